// Package codec provides the marshaling formats used on node links and in
// the store's generic cache table.
package codec

// Codec defines a simple interface for marshaling typed messages.
// Implementations must be deterministic so frame bytes are stable enough
// to hash for broadcast dedup.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content type aliases to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the JSON codec.
// CBOR is added explicitly via Register(MustCBOR()) by callers that need it.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	return r
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
