package parley

import (
	"context"

	"github.com/parleyhq/parley/store"
)

// Ref is re-exported so users can work with the parley package without
// importing store directly.
type Ref = store.Ref

// Participant is the capability contract any entity must satisfy to send
// or receive notifications. Host application types (users, teams, bots)
// implement it.
type Participant interface {
	// Ref returns the stable polymorphic identity (kind + id) used to
	// reference this entity as sender or receiver.
	Ref() Ref

	// DisplayName returns the name shown for this entity in rendered
	// notifications.
	DisplayName() string

	// Email returns the address used for external mail routing, or ""
	// if the entity declares no email routing.
	Email() string
}

// ParticipantResolver maps stored references back to participants.
// Implementations should be safe for concurrent use.
//
// Resolvers are registered per kind via WithResolver. They are consulted
// when the library only holds a Ref - for example when replying to all
// participants of a conversation, or when routing email for recipients
// discovered through receipts.
type ParticipantResolver interface {
	// Resolve returns the participant identified by ref.
	// Returns ErrParticipantNotFound if the reference is unknown.
	Resolve(ctx context.Context, ref Ref) (Participant, error)
}

// ResolverFunc adapts a function to the ParticipantResolver interface.
type ResolverFunc func(ctx context.Context, ref Ref) (Participant, error)

// Resolve implements ParticipantResolver.
func (f ResolverFunc) Resolve(ctx context.Context, ref Ref) (Participant, error) {
	return f(ctx, ref)
}

// resolverRegistry looks up participants through per-kind resolvers.
type resolverRegistry struct {
	byKind map[string]ParticipantResolver
}

func newResolverRegistry(resolvers map[string]ParticipantResolver) *resolverRegistry {
	r := &resolverRegistry{byKind: make(map[string]ParticipantResolver, len(resolvers))}
	for kind, res := range resolvers {
		r.byKind[kind] = res
	}
	return r
}

// resolve maps a ref to a participant via the resolver registered for its
// kind. Returns ErrParticipantNotFound when no resolver is registered or
// the resolver does not know the reference.
func (r *resolverRegistry) resolve(ctx context.Context, ref Ref) (Participant, error) {
	if !ref.Valid() {
		return nil, ErrInvalidParticipant
	}
	res, ok := r.byKind[ref.Kind]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return res.Resolve(ctx, ref)
}

// resolveAll maps refs to participants, skipping unresolvable entries.
// Used for best-effort fan-out (e.g. email routing for reply-to-all).
func (r *resolverRegistry) resolveAll(ctx context.Context, refs []Ref) []Participant {
	participants := make([]Participant, 0, len(refs))
	for _, ref := range refs {
		p, err := r.resolve(ctx, ref)
		if err != nil {
			continue
		}
		participants = append(participants, p)
	}
	return participants
}

// refOf returns the ref of a participant, or the zero ref for nil.
func refOf(p Participant) Ref {
	if p == nil {
		return Ref{}
	}
	return p.Ref()
}

// dedupeParticipants returns participants with duplicate refs removed,
// preserving first-seen order. Entries matching exclude are dropped as
// well (a sender never receives an inbox receipt for its own message).
func dedupeParticipants(participants []Participant, exclude Ref) []Participant {
	seen := make(map[string]bool, len(participants))
	unique := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p == nil {
			continue
		}
		ref := p.Ref()
		if !exclude.IsZero() && ref.Equal(exclude) {
			continue
		}
		if !seen[ref.String()] {
			seen[ref.String()] = true
			unique = append(unique, p)
		}
	}
	return unique
}
