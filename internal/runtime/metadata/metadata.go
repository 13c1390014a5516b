package metadata

// Metadata holds the headers that travel with a message envelope.
type Metadata map[string]string

// Header keys reserved by the runtime. Application headers should use their own
// names.
const (
	KeyMessageID      = "message_id"
	KeyMessageType    = "message_type"
	KeyCorrelationID  = "correlation_id"
	KeyMessageIntent  = "message_intent"
	KeyOriginEndpoint = "origin_endpoint"
	KeyEnqueuedAt     = "enqueued_at"
	KeyContentType    = "content_type"
	KeyTraceID        = "trace_id"
	KeySpanID         = "span_id"

	KeyDeadLetterReason   = "dead_letter_reason"
	KeyDeadLetterEndpoint = "dead_letter_endpoint"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy. Handlers receive clones so sibling handlers
// never observe each other's mutations.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing the supplied entries. Entries win over
// existing keys.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (m Metadata) Get(key string) string {
	return m[key]
}

// SetDefault stores value only when key is missing or empty and reports
// whether it wrote.
func (m Metadata) SetDefault(key, value string) bool {
	if m == nil || m[key] != "" {
		return false
	}
	m[key] = value
	return true
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
