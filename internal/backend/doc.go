// Package backend 聚合上游分发后端的差异化策略，并提供统一的注册入口。
//
// 后端作者需要：
//  1. 在 internal/backend/<key>/ 目录下描述内容标签来源、摘要推导与键重写；
//  2. 在 init() 中通过 MustRegister 注册 Profile；
//  3. 在 internal/config/backends.go 中以空导入方式挂载该包。
//
// 命名空间在配置中通过 Backend 字段选择 Profile，缺省为 generic。
package backend
