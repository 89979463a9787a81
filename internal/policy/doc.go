// Package policy 实现 app shell 缓存策略的三个入口：Provision（预缓存）、Reconcile（清理旧缓存）
// 与 HandleRequest（逐请求决策）。
//
// 请求处理策略通过本包的注册表按键解析：
//   - cache-first：排除列表外的请求一律缓存优先，未命中走网络且不回写；
//   - selective：本地列表缓存优先，其余网络优先并异步回写可缓存的响应，失败时回退缓存。
//
// Agent 不持有 HTTP 语义，宿主（internal/server）负责把入站请求翻译成 fetch.Request 并渲染 Result。
package policy
