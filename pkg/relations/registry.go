package relations

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"maunium.net/go/mautrix/event"

	"roomline/pkg/models"
)

// UnknownType tags redacted events whose content type is not registered.
const UnknownType = "unknown"

// Registry maps protocol event types to Go content structs and back.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byGo   map[reflect.Type][]event.Type
}

// NewRegistry returns a registry preloaded with every content type mautrix knows.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byGo:   make(map[reflect.Type][]event.Type),
	}
	for evtType, structType := range event.TypeMap {
		r.register(evtType, structType)
	}
	for t := range r.byGo {
		sort.Slice(r.byGo[t], func(i, j int) bool { return r.byGo[t][i].Type < r.byGo[t][j].Type })
	}
	return r
}

// Register adds a custom content type. content is a value or pointer of the
// struct the content decodes into.
func (r *Registry) Register(evtType event.Type, content any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(evtType, indirect(reflect.TypeOf(content)))
}

func (r *Registry) register(evtType event.Type, structType reflect.Type) {
	if _, ok := r.byName[evtType.Type]; ok {
		return
	}
	r.byName[evtType.Type] = structType
	r.byGo[structType] = append(r.byGo[structType], evtType)
}

// Parse decodes raw content of the named type into its registered struct.
func (r *Registry) Parse(evtType string, raw json.RawMessage) (any, error) {
	r.mu.RLock()
	structType, ok := r.byName[evtType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("unregistered event type %q", evtType)
	}
	parsed := reflect.New(structType).Interface()
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, errors.Wrapf(err, "decode %s content", evtType)
	}
	return parsed, nil
}

// TypeOf returns the protocol type of a content value. When several types
// share one struct, hint picks among them; otherwise the first by name wins.
func (r *Registry) TypeOf(content any, hint string) (event.Type, bool) {
	if content == nil {
		return event.Type{}, false
	}
	r.mu.RLock()
	candidates := r.byGo[indirect(reflect.TypeOf(content))]
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return event.Type{}, false
	}
	for _, c := range candidates {
		if c.Type == hint {
			return c, true
		}
	}
	return candidates[0], true
}

// RedactedType is the type tag an event keeps once redacted: the type of its
// effective content, or UnknownType when that content has no registered type.
func (r *Registry) RedactedType(ev *models.TimelineEvent) string {
	if ev == nil || ev.Event == nil {
		return UnknownType
	}
	name, raw := ev.Event.Type.Type, models.RawContent(ev.Event)
	if ev.Decrypted != nil {
		name, raw = ev.Decrypted.Type, ev.Decrypted.Content
	}
	content, err := r.Parse(name, raw)
	if err != nil {
		return UnknownType
	}
	t, ok := r.TypeOf(content, name)
	if !ok {
		return UnknownType
	}
	return t.Type
}

func indirect(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
