package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/transport/snw"
)

// DefaultRegistry 是进程内唯一的 Registry，由诊断接口暴露。
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		CacheLookups, Transactions, TransactionDuration,
		TransferBytes, Chunks, Acks, Retransmits,
	)
}

// CacheLookups 缓存查找结果（hit | miss | not_found | failed）
var CacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cachehop_cache_lookups_total",
		Help: "缓存查找次数（按结果）",
	},
	[]string{"result"},
)

// Transactions 事务总数（按角色、传输与结果分类）
var Transactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cachehop_transactions_total",
		Help: "处理的事务总数",
	},
	[]string{"role", "protocol", "result"},
)

// TransactionDuration 单个事务耗时（秒）
var TransactionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cachehop_transaction_duration_seconds",
		Help:    "单个事务耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"role", "protocol"},
)

// TransferBytes 文件传输字节数
var TransferBytes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cachehop_transfer_bytes_total",
		Help: "文件传输字节数",
	},
	[]string{"protocol", "direction"}, // sent | received
)

// Chunks 停等协议的数据块数
var Chunks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cachehop_snw_chunks_total",
		Help: "停等协议发送/接收的数据块数",
	},
	[]string{"direction"},
)

// Acks 停等协议的 ACK 数
var Acks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cachehop_snw_acks_total",
		Help: "停等协议发送/接收的 ACK 数",
	},
	[]string{"direction"},
)

// Retransmits 停等协议重传次数
var Retransmits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cachehop_snw_retransmits_total",
		Help: "停等协议重传次数",
	},
)

// ObserveTransaction 记录一次事务的结果与耗时。
func ObserveTransaction(role, proto string, started time.Time, err error) {
	Transactions.WithLabelValues(role, proto, protocol.Classify(err)).Inc()
	TransactionDuration.WithLabelValues(role, proto).Observe(time.Since(started).Seconds())
}

// ObserveSession 将停等会话的计数累加到指标。
func ObserveSession(session *snw.Session) {
	if session == nil {
		return
	}
	direction := "sent"
	ackDirection := "received"
	if session.Role == snw.RoleReceiver {
		direction, ackDirection = "received", "sent"
	}
	Chunks.WithLabelValues(direction).Add(float64(session.Chunks))
	Acks.WithLabelValues(ackDirection).Add(float64(session.Acks))
	Retransmits.Add(float64(session.Retransmits))
	TransferBytes.WithLabelValues("snw", direction).Add(float64(session.Position))
}

// ObserveStreamBytes 记录流式传输的文件字节数。
func ObserveStreamBytes(direction string, n int64) {
	TransferBytes.WithLabelValues("tcp", direction).Add(float64(n))
}

// WritePrometheus 将 Prometheus 文本格式写入 w。
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
