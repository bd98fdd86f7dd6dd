package param

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/sds"
)

// ChangeFunc receives the new value of a parameter after a notifying set.
type ChangeFunc func(name string, value *sds.Node)

// Store holds the named parameters published by a task. Values are kept as
// encoded nodes so remote readers see exactly what was set.
type Store struct {
	mu     sync.RWMutex
	values map[string]*sds.Node
	subs   map[int]*subscription
	nextID int
	logger drama.Logger
}

type subscription struct {
	name string
	fn   ChangeFunc
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger drama.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		values: make(map[string]*sds.Node),
		subs:   make(map[int]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = drama.NormalizeLogger(s.logger)
	return s
}

func validateName(op, name string) error {
	if strings.TrimSpace(name) == "" {
		return drama.NewBadStatus(drama.StatusBadArgument, fmt.Sprintf("%s(%q)", op, name))
	}
	if strings.Contains(name, ".") {
		return drama.NewBadStatus(drama.StatusNestedParam, fmt.Sprintf("%s(%q)", op, name))
	}
	return nil
}

// Get returns the decoded value of a top level parameter.
func (s *Store) Get(name string) (any, error) {
	node, err := s.GetNode(name)
	if err != nil {
		return nil, err
	}
	return sds.Decode(node)
}

// GetNode returns a copy of the stored node.
func (s *Store) GetNode(name string) (*sds.Node, error) {
	if err := validateName("get", name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	node, ok := s.values[name]
	s.mu.RUnlock()
	if !ok {
		return nil, drama.NewBadStatus(drama.StatusParamNotFound, fmt.Sprintf("get(%q)", name))
	}
	return node.Clone(), nil
}

// Has reports whether name is defined.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Set creates or replaces a parameter. Subscribers are told when notify is
// true.
func (s *Store) Set(name string, value any, notify bool) error {
	if err := validateName("set", name); err != nil {
		return err
	}
	node, err := sds.Encode(value, name)
	if err != nil {
		return err
	}
	s.put(name, node, notify)
	return nil
}

// Update replaces an existing parameter and fails when it is not defined.
func (s *Store) Update(name string, value any, notify bool) error {
	if err := validateName("update", name); err != nil {
		return err
	}
	if !s.Has(name) {
		return drama.NewBadStatus(drama.StatusParamNotFound, fmt.Sprintf("update(%q)", name))
	}
	return s.Set(name, value, notify)
}

func (s *Store) put(name string, node *sds.Node, notify bool) {
	s.mu.Lock()
	s.values[name] = node
	var targets []ChangeFunc
	if notify {
		ids := make([]int, 0, len(s.subs))
		for id, sub := range s.subs {
			if sub.name == name {
				ids = append(ids, id)
			}
		}
		sort.Ints(ids)
		for _, id := range ids {
			targets = append(targets, s.subs[id].fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(name, node.Clone())
	}
}

// Apply sets every value in values, notifying subscribers. Errors are logged
// and the remaining values are still applied.
func (s *Store) Apply(values map[string]any) int {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		if err := s.Set(name, values[name], true); err != nil {
			s.logger.Warn("param %s not applied: %v", name, err)
			continue
		}
		applied++
	}
	return applied
}

// Subscribe registers fn for changes to name and returns the subscription id.
func (s *Store) Subscribe(name string, fn ChangeFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = &subscription{name: name, fn: fn}
	return s.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscribers is the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Names lists the defined parameters in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
