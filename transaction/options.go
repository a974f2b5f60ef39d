package transaction

import (
	"log/slog"
	"time"

	"github.com/sipcore/sipstack/log"
	"github.com/sipcore/sipstack/sip"
)

// DefaultQueueSize is the default capacity of a transaction command queue.
const DefaultQueueSize = 32

// DefaultStaleTimeout is the default [RegistryOptions.StaleTimeout].
const DefaultStaleTimeout = 5 * time.Minute

// AckBuilder builds the ACK request for a non-2xx final response to the INVITE request.
type AckBuilder = func(invite sip.Request, res sip.Response) (sip.Request, error)

// TryingBuilder builds the automatic 100 Trying response to the INVITE request.
type TryingBuilder = func(invite sip.Request) (sip.Response, error)

// ClientOptions contains options for a client transaction.
type ClientOptions struct {
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// QueueSize is the capacity of the transaction command queue.
	// If zero, [DefaultQueueSize] is used.
	QueueSize int
	// StaleTimeout terminates the transaction if it is still in Calling, Trying or
	// Proceeding state after this timeout. If zero or negative, the transaction is never
	// considered stale.
	StaleTimeout time.Duration
	// AckBuilder is used by client INVITE transaction to build the ACK for non-2xx final responses.
	// If nil, the TU is expected to send the ACK on [AckRequiredEvent].
	AckBuilder AckBuilder
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
	// Metrics collects transaction metrics. Can be nil.
	Metrics *Metrics
}

func (o *ClientOptions) config() txConfig {
	if o == nil {
		return txConfig{queueSize: DefaultQueueSize, log: log.Default()}
	}
	return txConfig{
		timings:      o.Timings,
		queueSize:    queueSize(o.QueueSize),
		staleTimeout: o.StaleTimeout,
		log:          logger(o.Log),
		metrics:      o.Metrics,
	}
}

func (o *ClientOptions) ackBuilder() AckBuilder {
	if o == nil {
		return nil
	}
	return o.AckBuilder
}

// ServerOptions contains options for a server transaction.
type ServerOptions struct {
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// QueueSize is the capacity of the transaction command queue.
	// If zero, [DefaultQueueSize] is used.
	QueueSize int
	// StaleTimeout terminates the transaction if it is still in Trying or
	// Proceeding state after this timeout. If zero or negative, the transaction is never
	// considered stale.
	StaleTimeout time.Duration
	// TryingBuilder is used by server INVITE transaction to build the 100 Trying response
	// sent automatically when the TU does not respond within Time100.
	// If nil, no automatic response is sent.
	TryingBuilder TryingBuilder
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
	// Metrics collects transaction metrics. Can be nil.
	Metrics *Metrics
}

func (o *ServerOptions) config() txConfig {
	if o == nil {
		return txConfig{queueSize: DefaultQueueSize, log: log.Default()}
	}
	return txConfig{
		timings:      o.Timings,
		queueSize:    queueSize(o.QueueSize),
		staleTimeout: o.StaleTimeout,
		log:          logger(o.Log),
		metrics:      o.Metrics,
	}
}

func (o *ServerOptions) tryingBuilder() TryingBuilder {
	if o == nil {
		return nil
	}
	return o.TryingBuilder
}

// RegistryOptions contains options for a [Registry].
type RegistryOptions struct {
	// Timings is the SIP timing config used with all transactions created by the registry.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// QueueSize is the capacity of transaction command queues.
	// If zero, [DefaultQueueSize] is used.
	QueueSize int
	// StaleTimeout is the timeout after which transactions stuck in Calling, Trying or
	// Proceeding state are terminated.
	// If 0, [DefaultStaleTimeout] is used. If negative, transactions are never considered stale.
	StaleTimeout time.Duration
	// ShardsNum is the number of shards of each transaction map.
	// If zero, 32 shards are used.
	ShardsNum uint
	// TryingBuilder is passed to server INVITE transactions, see [ServerOptions.TryingBuilder].
	TryingBuilder TryingBuilder
	// AckBuilder is the default for client INVITE transactions, see [ClientOptions.AckBuilder].
	AckBuilder AckBuilder
	// Log is the logger used by the registry and its transactions.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
	// Metrics collects transaction metrics. Can be nil.
	Metrics *Metrics
}

func (o *RegistryOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *RegistryOptions) queueSize() int {
	if o == nil {
		return DefaultQueueSize
	}
	return queueSize(o.QueueSize)
}

func (o *RegistryOptions) staleTimeout() time.Duration {
	if o == nil || o.StaleTimeout == 0 {
		return DefaultStaleTimeout
	}
	return o.StaleTimeout
}

func (o *RegistryOptions) shardsNum() uint {
	if o == nil {
		return 0
	}
	return o.ShardsNum
}

func (o *RegistryOptions) tryingBuilder() TryingBuilder {
	if o == nil {
		return nil
	}
	return o.TryingBuilder
}

func (o *RegistryOptions) ackBuilder() AckBuilder {
	if o == nil {
		return nil
	}
	return o.AckBuilder
}

func (o *RegistryOptions) log() *slog.Logger {
	if o == nil {
		return log.Default()
	}
	return logger(o.Log)
}

func (o *RegistryOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func queueSize(n int) int {
	if n <= 0 {
		return DefaultQueueSize
	}
	return n
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

// txConfig is the resolved configuration of a single transaction.
type txConfig struct {
	timings      TimingConfig
	queueSize    int
	staleTimeout time.Duration
	log          *slog.Logger
	metrics      *Metrics
	// parent receives all events of the transaction in addition to its own subscribers.
	parent *eventHub
	// onTerminate is called after the transaction loop exits.
	onTerminate func()
}
