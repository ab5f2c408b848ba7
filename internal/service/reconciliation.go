package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"identityrecon/internal/lock"
	"identityrecon/internal/metrics"
	"identityrecon/internal/models"
	"identityrecon/internal/store"
)

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	store   store.Store
	locker  lock.Locker
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a ReconciliationService.
type Option func(*ReconciliationService)

// WithLocker replaces the default in-process identifier lock.
func WithLocker(l lock.Locker) Option {
	return func(s *ReconciliationService) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReconciliationService) { s.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *ReconciliationService) {
		if log != nil {
			s.log = log
		}
	}
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(st store.Store, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		store:  st,
		locker: lock.NewLocal(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identify resolves the identity behind an email/phone pair, merging and
// creating contacts as needed, and returns the consolidated view of the
// resulting cluster. The whole call holds the locks for both identifiers and
// runs in a single store transaction.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	start := s.now()
	email, phone := present(req.Email), present(req.PhoneNumber)
	if email == nil && phone == nil {
		s.metrics.ObserveIdentify("invalid", s.now().Sub(start))
		return nil, ErrInvalidInput
	}

	release, err := s.locker.Acquire(ctx, lock.Keys(email, phone)...)
	if err != nil {
		s.metrics.ObserveIdentify("error", s.now().Sub(start))
		return nil, fmt.Errorf("%w: acquire identifier lock: %w", ErrStoreFailure, err)
	}
	defer release()

	var (
		view models.ContactResponse
		r    *reconciler
	)
	err = s.store.RunInTx(ctx, func(q store.Queries) error {
		r = &reconciler{q: q, email: email, phone: phone, log: s.log}
		v, err := r.run(ctx)
		view = v
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrStoreFailure) && !errors.Is(err, ErrInconsistentCluster) {
			err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		s.metrics.ObserveIdentify("error", s.now().Sub(start))
		s.log.Error("identify failed", zap.Error(err))
		return nil, err
	}

	for _, p := range r.created {
		s.metrics.IncrementContactsCreated(string(p))
	}
	for i := 0; i < r.merged; i++ {
		s.metrics.IncrementClustersMerged()
	}
	s.metrics.ObserveIdentify("ok", s.now().Sub(start))

	return &models.IdentifyResponse{Contact: view}, nil
}

// reconciler carries the state of one Identify call inside its transaction.
type reconciler struct {
	q     store.Queries
	email *string
	phone *string
	log   *zap.Logger

	created []models.LinkPrecedence
	merged  int
}

func (r *reconciler) run(ctx context.Context) (models.ContactResponse, error) {
	candidates, err := r.q.FindMatching(ctx, r.email, r.phone)
	if err != nil {
		return models.ContactResponse{}, storeErr("find matching contacts", err)
	}

	if len(candidates) == 0 {
		c, err := r.create(ctx, models.PrecedencePrimary, nil)
		if err != nil {
			return models.ContactResponse{}, err
		}
		return BuildView(c.ID, []*models.Contact{c}), nil
	}

	primaries, err := r.touchedPrimaries(ctx, candidates)
	if err != nil {
		return models.ContactResponse{}, err
	}
	elected := primaries[0]

	known, err := r.clusterInfo(ctx, elected)
	if err != nil {
		return models.ContactResponse{}, err
	}

	if len(primaries) > 1 {
		if err := r.mergeInto(ctx, elected, primaries[1:], known); err != nil {
			return models.ContactResponse{}, err
		}
	}

	if r.needsSecondary(candidates, known) {
		if _, err := r.create(ctx, models.PrecedenceSecondary, &elected.ID); err != nil {
			return models.ContactResponse{}, err
		}
	}

	cluster, err := r.q.FindCluster(ctx, elected.ID)
	if err != nil {
		return models.ContactResponse{}, storeErr("load cluster", err)
	}
	if !containsID(cluster, elected.ID) {
		return models.ContactResponse{}, fmt.Errorf("%w: primary %d vanished during reconciliation", ErrInconsistentCluster, elected.ID)
	}
	return BuildView(elected.ID, cluster), nil
}

// touchedPrimaries returns every primary reached by the candidates, directly
// or through a matched secondary, oldest first. A secondary whose link does
// not resolve to a live primary fails the call.
func (r *reconciler) touchedPrimaries(ctx context.Context, candidates []*models.Contact) ([]*models.Contact, error) {
	byID := make(map[int64]*models.Contact)
	var linkedIDs []int64
	seen := make(map[int64]bool)

	for _, c := range candidates {
		if c.IsPrimary() {
			if c.LinkedID != nil {
				return nil, fmt.Errorf("%w: primary %d links to %d", ErrInconsistentCluster, c.ID, *c.LinkedID)
			}
			byID[c.ID] = c
			continue
		}
		if c.LinkedID == nil {
			return nil, fmt.Errorf("%w: secondary %d has no linked id", ErrInconsistentCluster, c.ID)
		}
		if !seen[*c.LinkedID] {
			seen[*c.LinkedID] = true
			linkedIDs = append(linkedIDs, *c.LinkedID)
		}
	}

	if len(linkedIDs) > 0 {
		precedence := models.PrecedencePrimary
		linked, err := r.q.FindByIDs(ctx, linkedIDs, &precedence)
		if err != nil {
			return nil, storeErr("find linked primaries", err)
		}
		for _, c := range linked {
			byID[c.ID] = c
		}
		for _, id := range linkedIDs {
			if byID[id] == nil {
				return nil, fmt.Errorf("%w: linked id %d is not a live primary", ErrInconsistentCluster, id)
			}
		}
	}

	primaries := make([]*models.Contact, 0, len(byID))
	for _, c := range byID {
		primaries = append(primaries, c)
	}
	sortBySeniority(primaries)
	return primaries, nil
}

// clusterInfo collects the identifiers already known for primary's cluster.
func (r *reconciler) clusterInfo(ctx context.Context, primary *models.Contact) (identifierSet, error) {
	known := newIdentifierSet()
	known.add(primary)

	secondaries, err := r.q.FindByLinkedID(ctx, primary.ID)
	if err != nil {
		return known, storeErr("find secondaries", err)
	}
	for _, c := range secondaries {
		known.add(c)
	}
	return known, nil
}

// mergeInto demotes every other primary whose cluster shares an identifier
// with the elected cluster or with the incoming pair, and re-points its
// secondaries at elected. Primaries that do not overlap yet are retried after
// each round of merges until a round merges nothing.
func (r *reconciler) mergeInto(ctx context.Context, elected *models.Contact, others []*models.Contact, known identifierSet) error {
	members := make(map[int64][]*models.Contact, len(others))
	pending := others

	for len(pending) > 0 {
		var deferred []*models.Contact

		for _, other := range pending {
			secondaries, ok := members[other.ID]
			if !ok {
				var err error
				secondaries, err = r.q.FindByLinkedID(ctx, other.ID)
				if err != nil {
					return storeErr("find secondaries of merge candidate", err)
				}
				members[other.ID] = secondaries
			}

			if !r.overlaps(known, other, secondaries) {
				deferred = append(deferred, other)
				continue
			}

			if err := r.q.Update(ctx, other.ID, models.ContactUpdate{
				LinkPrecedence: models.PrecedenceSecondary,
				LinkedID:       &elected.ID,
			}); err != nil {
				return storeErr("demote primary", err)
			}
			if err := r.q.UpdateWhereLinkedID(ctx, other.ID, elected.ID); err != nil {
				return storeErr("relink secondaries", err)
			}

			known.add(other)
			for _, c := range secondaries {
				known.add(c)
			}
			r.merged++
			r.log.Info("merged clusters",
				zap.Int64("primary_id", elected.ID),
				zap.Int64("demoted_id", other.ID),
				zap.Int("relinked", len(secondaries)))
		}

		if len(deferred) == len(pending) {
			break
		}
		pending = deferred
	}
	return nil
}

func (r *reconciler) overlaps(known identifierSet, primary *models.Contact, secondaries []*models.Contact) bool {
	for _, c := range append([]*models.Contact{primary}, secondaries...) {
		if known.hasEmail(c.Email) || known.hasPhone(c.PhoneNumber) {
			return true
		}
		if sameValue(c.Email, r.email) && r.email != nil {
			return true
		}
		if sameValue(c.PhoneNumber, r.phone) && r.phone != nil {
			return true
		}
	}
	return false
}

// needsSecondary decides whether the incoming pair adds information to the
// cluster that warrants a new secondary contact.
func (r *reconciler) needsSecondary(candidates []*models.Contact, known identifierSet) bool {
	emailNew := r.email != nil && !known.hasEmail(r.email)
	phoneNew := r.phone != nil && !known.hasPhone(r.phone)
	if !emailNew && !phoneNew {
		return false
	}

	confirmed := false
	for _, c := range candidates {
		if sameValue(c.Email, r.email) && sameValue(c.PhoneNumber, r.phone) {
			return false
		}
		if (r.email != nil && sameValue(c.Email, r.email)) || (r.phone != nil && sameValue(c.PhoneNumber, r.phone)) {
			confirmed = true
		}
	}
	return confirmed
}

func (r *reconciler) create(ctx context.Context, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	c, err := r.q.Create(ctx, models.NewContact{
		Email:          r.email,
		PhoneNumber:    r.phone,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
	})
	if err != nil {
		return nil, storeErr("create "+string(precedence)+" contact", err)
	}
	r.created = append(r.created, precedence)
	return c, nil
}

type identifierSet struct {
	emails map[string]bool
	phones map[string]bool
}

func newIdentifierSet() identifierSet {
	return identifierSet{emails: make(map[string]bool), phones: make(map[string]bool)}
}

func (s identifierSet) add(c *models.Contact) {
	if c.Email != nil {
		s.emails[*c.Email] = true
	}
	if c.PhoneNumber != nil {
		s.phones[*c.PhoneNumber] = true
	}
}

func (s identifierSet) hasEmail(v *string) bool { return v != nil && s.emails[*v] }
func (s identifierSet) hasPhone(v *string) bool { return v != nil && s.phones[*v] }

func storeErr(op string, err error) error {
	if errors.Is(err, ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// present treats an empty string as an absent identifier.
func present(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

// sameValue compares optional strings; two absent values are equal.
func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func containsID(contacts []*models.Contact, id int64) bool {
	for _, c := range contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

func sortBySeniority(contacts []*models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].ID < contacts[j].ID
		}
		return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
	})
}
