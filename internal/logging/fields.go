package logging

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// NewTransactionID 为一次 GET/PUT 事务生成关联 ID。
func NewTransactionID() string {
	return uuid.NewString()
}

// TransactionFields 提供角色、协议与事务 ID 字段，供每个事务的日志复用。
func TransactionFields(role, protocol, txID string) logrus.Fields {
	return logrus.Fields{
		"role":     role,
		"protocol": protocol,
		"tx_id":    txID,
	}
}

// CommandFields 在事务字段之上附加命令动词与文件名。
func CommandFields(base logrus.Fields, verb, filename string) logrus.Fields {
	fields := make(logrus.Fields, len(base)+2)
	for k, v := range base {
		fields[k] = v
	}
	fields["verb"] = verb
	fields["file"] = filename
	return fields
}
