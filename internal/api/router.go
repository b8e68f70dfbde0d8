package api

import (
	"net/http"
	"time"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/licensing"
	"github.com/paychecklabs/paycheck/internal/notify"
	"github.com/paychecklabs/paycheck/internal/payments"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
	"github.com/paychecklabs/paycheck/internal/websocket"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// Deps carries everything the router wires together. Recorder and Hub may
// be nil; auditing and the live stream simply switch off.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Vault      *crypto.Vault
	Authorizer *authz.Authorizer
	Licensing  *licensing.Service
	Payments   *payments.Service
	Notifier   *notify.Dispatcher
	Minter     *token.Minter
	Recorder   *audit.Recorder
	Hub        *websocket.Hub
	Version    string
}

// Router is the HTTP surface: public endpoints, the org management API and
// the operator API share one mux behind common middleware.
type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	metrics *Metrics

	cfg        *config.Config
	authorizer *authz.Authorizer

	public    *PublicHandlers
	webhooks  *WebhookHandlers
	orgs      *OrgHandlers
	projects  *ProjectHandlers
	products  *ProductHandlers
	licenses  *LicenseHandlers
	operators *OperatorHandlers
	system    *SystemHandlers

	redeemLimiter  *RateLimiter
	recoverLimiter *RateLimiter
	webhookLimiter *RateLimiter
}

// NewRouter builds the router and registers all routes.
func NewRouter(d Deps) *Router {
	metrics := NewMetrics()
	tr := trail{rec: d.Recorder}

	rt := &Router{
		mux:        http.NewServeMux(),
		metrics:    metrics,
		cfg:        d.Config,
		authorizer: d.Authorizer,

		public:    NewPublicHandlers(d, metrics, tr),
		webhooks:  NewWebhookHandlers(d.Payments, metrics),
		orgs:      NewOrgHandlers(d.Store, d.Recorder, tr),
		projects:  NewProjectHandlers(d.Store, d.Vault, d.Minter, tr),
		products:  NewProductHandlers(d.Store, tr),
		licenses:  NewLicenseHandlers(d.Store, d.Licensing, d.Notifier, d.Vault, metrics, tr),
		operators: NewOperatorHandlers(d.Store, d.Vault, tr),
		system:    NewSystemHandlers(d, tr),

		redeemLimiter:  NewRateLimiter(30, time.Minute),
		recoverLimiter: NewRateLimiter(5, 15*time.Minute),
		webhookLimiter: NewRateLimiter(120, time.Minute),
	}

	rt.setupRoutes(d)
	rt.handler = ErrorHandler(metrics, rt.mux)
	return rt
}

// Close stops the router's background rate-limiter janitors.
func (rt *Router) Close() {
	rt.redeemLimiter.Stop()
	rt.recoverLimiter.Stop()
	rt.webhookLimiter.Stop()
}

func (rt *Router) setupRoutes(d Deps) {
	mux := rt.mux

	// Public surface.
	mux.HandleFunc("GET /health", rt.public.Health)
	mux.HandleFunc("POST /buy", rt.public.Buy)
	mux.HandleFunc("GET /callback", rt.public.Callback)
	mux.HandleFunc("POST /redeem", rt.redeemLimiter.Middleware(rt.public.Redeem))
	mux.HandleFunc("POST /redeem/code", rt.redeemLimiter.Middleware(rt.public.Redeem))
	mux.HandleFunc("POST /validate", rt.public.Validate)
	mux.HandleFunc("GET /devices", rt.public.ListDevices)
	mux.HandleFunc("POST /devices/deactivate", rt.public.DeactivateDevice)
	mux.HandleFunc("GET /license", rt.public.LicenseInfo)
	mux.HandleFunc("POST /recover", rt.recoverLimiter.Middleware(rt.public.Recover))
	mux.HandleFunc("GET /success", rt.public.SuccessPage)
	mux.HandleFunc("GET /cancel", rt.public.CancelPage)
	mux.HandleFunc("GET /projects/{project}/.well-known/jwks.json", rt.public.JWKS)

	mux.HandleFunc("POST /webhooks/stripe", rt.webhookLimiter.Middleware(rt.webhooks.Stripe))
	mux.HandleFunc("POST /webhooks/lemonsqueezy", rt.webhookLimiter.Middleware(rt.webhooks.LemonSqueezy))

	mux.Handle("GET /metrics", rt.metrics.Handler())

	// Org surface. Mutating membership routes resolve at admin scope and
	// re-check the owner role in the handler.
	mux.HandleFunc("POST /orgs/{org}/members", rt.withOrg(store.AccessAdmin, rt.orgs.CreateMember))
	mux.HandleFunc("GET /orgs/{org}/members", rt.withOrg(store.AccessView, rt.orgs.ListMembers))
	mux.HandleFunc("GET /orgs/{org}/members/{id}", rt.withOrg(store.AccessView, rt.orgs.GetMember))
	mux.HandleFunc("PUT /orgs/{org}/members/{id}", rt.withOrg(store.AccessAdmin, rt.orgs.UpdateMember))
	mux.HandleFunc("DELETE /orgs/{org}/members/{id}", rt.withOrg(store.AccessAdmin, rt.orgs.DeleteMember))
	mux.HandleFunc("GET /orgs/{org}/payment-config", rt.withOrg(store.AccessView, rt.orgs.PaymentConfig))
	mux.HandleFunc("GET /orgs/{org}/audit-logs", rt.withOrg(store.AccessView, rt.orgs.AuditLogs))

	mux.HandleFunc("POST /orgs/{org}/projects", rt.withOrg(store.AccessAdmin, rt.projects.Create))
	mux.HandleFunc("GET /orgs/{org}/projects", rt.withOrg(store.AccessView, rt.projects.List))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}", rt.withProject(store.AccessView, rt.projects.Get))
	mux.HandleFunc("PUT /orgs/{org}/projects/{project}", rt.withProject(store.AccessAdmin, rt.projects.Update))
	mux.HandleFunc("DELETE /orgs/{org}/projects/{project}", rt.withProject(store.AccessAdmin, rt.projects.Delete))
	// Restore must not resolve the project: it is soft-deleted and would 404.
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/restore", rt.withOrg(store.AccessAdmin, rt.projects.Restore))
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/rotate-signing-key", rt.withProject(store.AccessAdmin, rt.projects.RotateSigningKey))

	mux.HandleFunc("POST /orgs/{org}/projects/{project}/members", rt.withProject(store.AccessAdmin, rt.projects.CreateMember))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/members", rt.withProject(store.AccessView, rt.projects.ListMembers))
	mux.HandleFunc("PUT /orgs/{org}/projects/{project}/members/{id}", rt.withProject(store.AccessAdmin, rt.projects.UpdateMember))
	mux.HandleFunc("DELETE /orgs/{org}/projects/{project}/members/{id}", rt.withProject(store.AccessAdmin, rt.projects.DeleteMember))

	mux.HandleFunc("POST /orgs/{org}/projects/{project}/products", rt.withProject(store.AccessAdmin, rt.products.Create))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/products", rt.withProject(store.AccessView, rt.products.List))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/products/{id}", rt.withProject(store.AccessView, rt.products.Get))
	mux.HandleFunc("PUT /orgs/{org}/projects/{project}/products/{id}", rt.withProject(store.AccessAdmin, rt.products.Update))
	mux.HandleFunc("DELETE /orgs/{org}/projects/{project}/products/{id}", rt.withProject(store.AccessAdmin, rt.products.Delete))
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/products/{id}/restore", rt.withProject(store.AccessAdmin, rt.products.Restore))

	mux.HandleFunc("POST /orgs/{org}/projects/{project}/products/{id}/payment-config", rt.withProject(store.AccessAdmin, rt.products.CreatePaymentConfig))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/products/{id}/payment-config", rt.withProject(store.AccessView, rt.products.ListPaymentConfigs))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/products/{id}/payment-config/{config}", rt.withProject(store.AccessView, rt.products.GetPaymentConfig))
	mux.HandleFunc("PUT /orgs/{org}/projects/{project}/products/{id}/payment-config/{config}", rt.withProject(store.AccessAdmin, rt.products.UpdatePaymentConfig))
	mux.HandleFunc("DELETE /orgs/{org}/projects/{project}/products/{id}/payment-config/{config}", rt.withProject(store.AccessAdmin, rt.products.DeletePaymentConfig))

	mux.HandleFunc("GET /orgs/{org}/projects/{project}/licenses", rt.withProject(store.AccessView, rt.licenses.List))
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/licenses", rt.withProject(store.AccessAdmin, rt.licenses.Create))
	mux.HandleFunc("GET /orgs/{org}/projects/{project}/licenses/{license}", rt.withProject(store.AccessView, rt.licenses.Get))
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/licenses/{license}/revoke", rt.withProject(store.AccessAdmin, rt.licenses.Revoke))
	mux.HandleFunc("POST /orgs/{org}/projects/{project}/licenses/{license}/send-code", rt.withProject(store.AccessAdmin, rt.licenses.SendCode))
	mux.HandleFunc("DELETE /orgs/{org}/projects/{project}/licenses/{license}/devices/{device}", rt.withProject(store.AccessAdmin, rt.licenses.DeactivateDevice))

	// Operator surface.
	mux.HandleFunc("POST /operators", rt.withOperator(store.OperatorRoleOwner, rt.operators.Create))
	mux.HandleFunc("GET /operators", rt.withOperator(store.OperatorRoleOwner, rt.operators.List))
	mux.HandleFunc("GET /operators/{id}", rt.withOperator(store.OperatorRoleOwner, rt.operators.Get))
	mux.HandleFunc("PUT /operators/{id}", rt.withOperator(store.OperatorRoleOwner, rt.operators.Update))
	mux.HandleFunc("DELETE /operators/{id}", rt.withOperator(store.OperatorRoleOwner, rt.operators.Delete))

	mux.HandleFunc("POST /operators/users", rt.withOperator(store.OperatorRoleAdmin, rt.operators.CreateUser))
	mux.HandleFunc("GET /operators/users", rt.withOperator(store.OperatorRoleAdmin, rt.operators.ListUsers))
	mux.HandleFunc("GET /operators/users/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.GetUser))
	mux.HandleFunc("PUT /operators/users/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.UpdateUser))
	mux.HandleFunc("DELETE /operators/users/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.DeleteUser))

	mux.HandleFunc("POST /operators/organizations", rt.withOperator(store.OperatorRoleAdmin, rt.operators.CreateOrganization))
	mux.HandleFunc("GET /operators/organizations", rt.withOperator(store.OperatorRoleAdmin, rt.operators.ListOrganizations))
	mux.HandleFunc("GET /operators/organizations/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.GetOrganization))
	mux.HandleFunc("PUT /operators/organizations/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.UpdateOrganization))
	mux.HandleFunc("DELETE /operators/organizations/{id}", rt.withOperator(store.OperatorRoleAdmin, rt.operators.DeleteOrganization))
	mux.HandleFunc("POST /operators/organizations/{id}/restore", rt.withOperator(store.OperatorRoleAdmin, rt.operators.RestoreOrganization))
	mux.HandleFunc("GET /operators/organizations/{id}/payment-config", rt.withOperator(store.OperatorRoleAdmin, rt.operators.OrgPaymentConfig))

	mux.HandleFunc("GET /operators/audit-logs", rt.withOperator("", rt.system.AuditLogs))
	mux.HandleFunc("GET /operators/audit-logs/export", rt.withOperator("", rt.system.ExportAuditLogs))
	mux.HandleFunc("GET /operators/audit-logs/stream", rt.withOperator("", rt.system.StreamAuditLogs))
	mux.HandleFunc("GET /operators/system", rt.withOperator("", rt.system.Diagnostics))

	// Local-testing shortcut, never registered outside dev mode.
	if d.Config.DevMode {
		mux.HandleFunc("POST /dev/licenses", rt.system.CreateDevLicense)
	}
}

// withOrg resolves org-level membership before invoking h.
func (rt *Router) withOrg(required store.AccessLevel, h func(http.ResponseWriter, *http.Request, *authz.MemberContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mc, err := rt.authorizer.ResolveMember(r.Context(), r, r.PathValue("org"), "", required)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r, mc)
	}
}

// withProject resolves membership and the project in one step; projects the
// caller cannot see come back as 404.
func (rt *Router) withProject(required store.AccessLevel, h func(http.ResponseWriter, *http.Request, *authz.MemberContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mc, err := rt.authorizer.ResolveMember(r.Context(), r, r.PathValue("org"), r.PathValue("project"), required)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r, mc)
	}
}

// withOperator authenticates an operator of at least minRole; the empty
// role admits any operator.
func (rt *Router) withOperator(minRole store.OperatorRole, h func(http.ResponseWriter, *http.Request, *authz.OperatorContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		oc, err := rt.authorizer.ResolveOperator(r.Context(), r, minRole)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r, oc)
	}
}

// ServeHTTP applies security headers and delegates to the middleware chain.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

	rt.handler.ServeHTTP(w, req)
}
