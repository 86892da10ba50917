// Package config 提供 SketchFlow 的配置管理功能。
//
// 配置在进程启动时一次性加载（默认值 → YAML → 环境变量），
// 之后以显式结构体的形式注入各组件，不在请求路径上读取进程环境。
// Watcher 轮询配置文件，校验通过的新配置通过回调交给调用方，
// 目前只有日志级别在运行期生效。
package config
