// Package policy 定义请求分类与缓存策略表。
//
// 每个请求先经 Classify 得到一个封闭集合内的 Category，再通过注册表查出对应的
// Profile（策略 + 分区），代理层不再散落 if/else 判断：
//   1. Classify 只依赖 URL 与请求方法/导航模式，是纯函数；
//   2. 内置 Profile 在 init() 中注册，重复注册会 panic；
//   3. ResolvePartition 负责 cdn 与 fonts 是否共用分区的决策。
package policy
