// Package config 提供 AgentRelay 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，环境变量前缀
// 默认为 AGENTRELAY，例如 AGENTRELAY_DELEGATION_MAX_DEPTH。
// agents 与 permissions 两节只能在 YAML 中声明；FileWatcher 监听配置
// 文件变化，serve 命令据此热重载权限规则。
package config
