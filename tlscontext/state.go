package tlscontext

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State TLS 控制器状态
type State int

const (
	StateNoCert State = iota
	StateProvisioning
	StateAwaitingStatus
	StateValid
	StateInvalid
	StatePermanentlyDisabled
)

func (s State) String() string {
	switch s {
	case StateNoCert:
		return "NO_CERT"
	case StateProvisioning:
		return "PROVISIONING"
	case StateAwaitingStatus:
		return "AWAITING_STATUS"
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StatePermanentlyDisabled:
		return "PERMANENTLY_DISABLED"
	default:
		return "UNKNOWN"
	}
}

// 迁移触发源，写入审计日志
const (
	triggerStartup     = "startup"
	triggerEnable      = "enable"
	triggerDisable     = "disable"
	triggerStatus      = "status"
	triggerExpiry      = "expiry"
	triggerFile        = "file"
	triggerReconfigure = "reconfigure"
	triggerStop        = "stop"
)

var tlsState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "pva_tls_state",
		Help: "Current TLS controller state (0=no_cert 1=provisioning 2=awaiting_status 3=valid 4=invalid 5=permanently_disabled)",
	},
)
