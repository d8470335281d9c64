// Package requester 实现请求方：GET 总是经由缓存，PUT 总是直达源站。
package requester
