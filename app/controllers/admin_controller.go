package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/audit"
	"github.com/ManuelReschke/MemberFox/internal/pkg/billing"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/statistics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/usercontext"
	"github.com/ManuelReschke/MemberFox/internal/pkg/webhookgate"
)

const (
	defaultExpiringDays = 30
	maxExpiringDays     = 365
	defaultAuditLimit   = 100
)

var validate = validator.New()

// AdminController serves the admin JSON API.
type AdminController struct {
	store      repository.Store
	maintainer *audit.Maintainer
	stats      *statistics.Cache
	gate       *webhookgate.Gate
	processor  *billing.Processor
	catalog    *billing.Catalog
	metrics    *metrics.Metrics
}

// AdminDeps bundles the collaborators of the admin API.
type AdminDeps struct {
	Store      repository.Store
	Maintainer *audit.Maintainer
	Stats      *statistics.Cache
	Gate       *webhookgate.Gate
	Processor  *billing.Processor
	Catalog    *billing.Catalog
	Metrics    *metrics.Metrics
}

// NewAdminController wires the admin API. deps.Metrics may be nil.
func NewAdminController(deps AdminDeps) *AdminController {
	return &AdminController{
		store:      deps.Store,
		maintainer: deps.Maintainer,
		stats:      deps.Stats,
		gate:       deps.Gate,
		processor:  deps.Processor,
		catalog:    deps.Catalog,
		metrics:    deps.Metrics,
	}
}

func newRequestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// HandleStats returns the aggregate counters, served from cache when possible.
func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	ctx, cancel := newRequestContext()
	defer cancel()

	stats, err := ac.stats.Get(ctx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(stats)
}

// HandleRefreshStats recomputes the counters from the membership rows.
func (ac *AdminController) HandleRefreshStats(c *fiber.Ctx) error {
	ctx, cancel := newRequestContext()
	defer cancel()

	res, err := ac.maintainer.RefreshStats(ctx, usercontext.AdminID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// HandleListMemberships lists memberships with optional filters:
// status, plan, expires_from, expires_to, q, offset, limit.
func (ac *AdminController) HandleListMemberships(c *fiber.Ctx) error {
	from, err := queryDate(c, "expires_from")
	if err != nil {
		return writeError(c, err)
	}
	to, err := queryDate(c, "expires_to")
	if err != nil {
		return writeError(c, err)
	}
	if to != nil {
		// A bare date means the whole day.
		if strings.TrimSpace(c.Query("expires_to")) == to.Format("2006-01-02") {
			end := to.Add(24*time.Hour - time.Nanosecond)
			to = &end
		}
	}

	filter := repository.MembershipFilter{
		Status:      strings.TrimSpace(c.Query("status")),
		PlanType:    strings.TrimSpace(c.Query("plan")),
		ExpiresFrom: from,
		ExpiresTo:   to,
		Search:      strings.TrimSpace(c.Query("q")),
		Offset:      queryInt(c, "offset", 0),
		Limit:       queryInt(c, "limit", repository.DefaultPageLimit),
	}.Normalize()

	ctx, cancel := newRequestContext()
	defer cancel()

	page, err := ac.store.GetAllMemberships(ctx, filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(page)
}

// HandleExpiringMemberships lists active memberships ending within ?days.
func (ac *AdminController) HandleExpiringMemberships(c *fiber.Ctx) error {
	days := queryInt(c, "days", defaultExpiringDays)
	if days < 1 || days > maxExpiringDays {
		return writeError(c, apperror.Validation("admin.expiring", "days must be between 1 and 365"))
	}

	ctx, cancel := newRequestContext()
	defer cancel()

	memberships, err := ac.store.GetExpiringMemberships(ctx, days)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"days": days, "count": len(memberships), "items": memberships})
}

// HandleMemberDetail returns a member with their active membership and card.
func (ac *AdminController) HandleMemberDetail(c *fiber.Ctx) error {
	userID := c.Params("userID")
	ctx, cancel := newRequestContext()
	defer cancel()

	user, err := ac.store.GetUser(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	out := fiber.Map{"user": user, "membership": nil, "card": nil}

	active, err := ac.store.GetActiveMembership(ctx, userID)
	switch {
	case err == nil:
		out["membership"] = active
	case !apperror.IsKind(err, apperror.KindNotFound):
		return writeError(c, err)
	}

	card, err := ac.store.GetCard(ctx, userID)
	switch {
	case err == nil:
		out["card"] = card
	case !apperror.IsKind(err, apperror.KindNotFound):
		return writeError(c, err)
	}
	return c.JSON(out)
}

// HandleMemberAuditLog returns the member's audit entries, newest first.
func (ac *AdminController) HandleMemberAuditLog(c *fiber.Ctx) error {
	limit := queryInt(c, "limit", defaultAuditLimit)
	ctx, cancel := newRequestContext()
	defer cancel()

	entries, err := ac.store.GetMemberAuditLog(ctx, c.Params("userID"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"count": len(entries), "items": entries})
}

// HandleDeleteMember soft-deletes every membership and the card of a member.
func (ac *AdminController) HandleDeleteMember(c *fiber.Ctx) error {
	ctx, cancel := newRequestContext()
	defer cancel()

	res, err := ac.store.SoftDeleteMember(ctx, c.Params("userID"), usercontext.AdminID(c))
	if err != nil {
		return writeError(c, err)
	}
	ac.maintainer.Applied(ctx, res.StatsDelta)
	log.Infof("[Admin] %s soft-deleted member %s (%d memberships)", usercontext.AdminID(c), res.UserID, res.MembershipsDeleted)
	return c.JSON(res)
}

// membershipPatch is the body of an admin membership change.
type membershipPatch struct {
	Status    *string    `json:"status" validate:"omitempty,oneof=active trialing past_due unpaid paused canceled"`
	PlanType  *string    `json:"plan_type" validate:"omitempty,min=1,max=50"`
	EndDate   *time.Time `json:"end_date"`
	AutoRenew *bool      `json:"auto_renew"`
	Reason    string     `json:"reason" validate:"max=500"`
}

// HandleUpdateMembership applies an admin change to one membership, keeps the
// counters in step and refreshes the member's card.
func (ac *AdminController) HandleUpdateMembership(c *fiber.Ctx) error {
	const op = "admin.updateMembership"
	var patch membershipPatch
	if err := c.BodyParser(&patch); err != nil {
		return writeError(c, apperror.ValidationWrap(op, err))
	}
	if err := validate.Struct(patch); err != nil {
		return writeError(c, apperror.ValidationWrap(op, err))
	}

	update := repository.MembershipUpdate{
		Status:    patch.Status,
		EndDate:   patch.EndDate,
		AutoRenew: patch.AutoRenew,
	}
	if patch.PlanType != nil {
		plan, ok := ac.catalog.Lookup(*patch.PlanType)
		if !ok {
			return writeError(c, apperror.Validation(op, "unknown plan "+*patch.PlanType))
		}
		price := plan.PriceCents
		update.PlanType = &plan.Name
		update.PriceCents = &price
	}
	if update.IsEmpty() {
		return writeError(c, apperror.Validation(op, "nothing to change"))
	}

	ctx, cancel := newRequestContext()
	defer cancel()

	id := c.Params("id")
	current, err := ac.store.GetMembership(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if current.Status == models.MembershipStatusDeleted {
		return writeError(c, apperror.Validation(op, "membership "+id+" is deleted"))
	}

	adminID := usercontext.AdminID(c)
	before, after, err := ac.store.UpdateMembership(ctx, id, update)
	if err != nil {
		return writeError(c, err)
	}
	ac.maintainer.AppliedTransition(ctx, before, after)
	extra := map[string]string{}
	if patch.Reason != "" {
		extra["reason"] = patch.Reason
	}
	err = ac.maintainer.Record(ctx, after.UserID, models.AuditActionAdminMembershipChanged, adminID, models.AuditDetails{
		Before: before,
		After:  after,
		Extra:  extra,
	})
	if err != nil {
		return writeError(c, err)
	}
	if err := ac.processor.SyncCard(ctx, after.UserID, adminID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(after)
}

// HandleWebhookEvent returns the ledger row of one provider event.
func (ac *AdminController) HandleWebhookEvent(c *fiber.Ctx) error {
	ctx, cancel := newRequestContext()
	defer cancel()

	event, err := ac.store.GetWebhookEvent(ctx, c.Params("eventID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(event)
}

// HandleCleanupWebhookEvents drains ledger rows older than ?days.
func (ac *AdminController) HandleCleanupWebhookEvents(c *fiber.Ctx) error {
	days := queryInt(c, "days", billing.DefaultRetentionDays)
	if days < 1 {
		return writeError(c, apperror.Validation("admin.cleanupWebhookEvents", "days must be positive"))
	}
	ctx, cancel := newRequestContext()
	defer cancel()

	deleted, err := billing.DrainOldEvents(ctx, ac.gate, days, ac.metrics)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": deleted, "older_than_days": days})
}
