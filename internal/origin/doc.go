// Package origin 实现源站：持有权威文件，响应缓存的 GET 与请求方的 PUT。
package origin
