// Package stats exposes the runtime's barrier and transport counters as
// Prometheus metrics, the way the teacher's xactions report progress
// through its stats package.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry is one process's set of BSP runtime counters. Each logical
// process (or, in multi-context mode, each physical node) owns one.
type Registry struct {
	BarrierTotal     prometheus.Counter
	BytesSent        prometheus.Counter
	BytesRecv        prometheus.Counter
	GetTotal         prometheus.Counter
	PutTotal         prometheus.Counter
	MsgTotal         prometheus.Counter
	PendingDeliveries prometheus.Gauge
	RegistrationViolations prometheus.Counter
}

// New builds a Registry labeled by the owning process's rank and registers
// its metrics with reg (pass prometheus.NewRegistry() for an isolated set,
// e.g. one per test).
func New(reg prometheus.Registerer, rank int) *Registry {
	labels := prometheus.Labels{"rank": itoa(rank)}
	r := &Registry{
		BarrierTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_barrier_total", Help: "completed barriers", ConstLabels: labels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_bytes_sent_total", Help: "bytes handed to the transport's alltoallv", ConstLabels: labels,
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_bytes_recv_total", Help: "bytes received from the transport's alltoallv", ConstLabels: labels,
		}),
		GetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_get_total", Help: "DRMA gets issued", ConstLabels: labels,
		}),
		PutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_put_total", Help: "DRMA puts issued", ConstLabels: labels,
		}),
		MsgTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_msg_total", Help: "BSMP messages delivered", ConstLabels: labels,
		}),
		PendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bsp_pending_deliveries", Help: "delivery-table records accumulated this superstep", ConstLabels: labels,
		}),
		RegistrationViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bsp_registration_violations_total", Help: "fatal push/pop ordering mismatches detected", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(r.BarrierTotal, r.BytesSent, r.BytesRecv, r.GetTotal, r.PutTotal, r.MsgTotal, r.PendingDeliveries, r.RegistrationViolations)
	}
	return r
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
