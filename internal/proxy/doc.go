// Package proxy 把已解析目标地址的 fiber 请求交给缓存策略或直接转发到网络，并把结果写回客户端。
//
// Forwarder 按接管状态选择处理器：Claim 之前所有请求直接放行，Claim 之后交给 Handler。
package proxy
