// Package cache 实现缓存节点：命中时直接从本地 Store 返回，未命中时通过 Fetcher
// 回源，完整收到文件后写入 Store 再转发给请求方。Store 的唯一写入路径是回源成功。
package cache
