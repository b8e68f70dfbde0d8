package api

import (
	"net/http"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// ProductHandlers serves product CRUD and per-provider pricing configs.
type ProductHandlers struct {
	store *store.Store
	trail trail
}

func NewProductHandlers(st *store.Store, tr trail) *ProductHandlers {
	return &ProductHandlers{store: st, trail: tr}
}

type createProductRequest struct {
	Name            string   `json:"name"`
	Tier            string   `json:"tier"`
	LicenseExpDays  *int     `json:"license_exp_days,omitempty"`
	UpdatesExpDays  *int     `json:"updates_exp_days,omitempty"`
	ActivationLimit int      `json:"activation_limit,omitempty"`
	DeviceLimit     int      `json:"device_limit,omitempty"`
	Features        []string `json:"features,omitempty"`
}

// Create adds a sellable SKU to the project. Nil expiry day counts mean
// perpetual; zero limits mean unlimited.
func (h *ProductHandlers) Create(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body createProductRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	product := &store.Product{
		ProjectID:       mc.Project.ID,
		Name:            body.Name,
		Tier:            body.Tier,
		LicenseExpDays:  body.LicenseExpDays,
		UpdatesExpDays:  body.UpdatesExpDays,
		ActivationLimit: body.ActivationLimit,
		DeviceLimit:     body.DeviceLimit,
		Features:        body.Features,
	}
	if err := h.store.CreateProduct(r.Context(), product); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "create_product",
		ResourceType: "product",
		ResourceID:   product.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"name": product.Name, "tier": product.Tier}),
	})

	writeJSON(w, http.StatusCreated, product)
}

// List pages through the project's products.
func (h *ProductHandlers) List(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	page := pageFromQuery(r)
	products, total, err := h.store.ListProducts(r.Context(), mc.Project.ID, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// Get returns one product.
func (h *ProductHandlers) Get(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// Update applies a partial update. Changes affect future issuance only;
// existing licenses keep their recorded expiries.
func (h *ProductHandlers) Update(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var update store.ProductUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := h.store.UpdateProduct(r.Context(), product.ID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "update_product",
		ResourceType: "product",
		ResourceID:   updated.ID,
		ResourceName: updated.Name,
		Details:      audit.JSON(map[string]any{"name": updated.Name, "tier": updated.Tier}),
	})

	writeJSON(w, http.StatusOK, updated)
}

// Delete soft-deletes the product and cascades to its licenses.
func (h *ProductHandlers) Delete(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SoftDeleteProduct(r.Context(), product.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "delete_product",
		ResourceType: "product",
		ResourceID:   product.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"name": product.Name}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Restore undoes a product soft delete.
func (h *ProductHandlers) Restore(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body restoreRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	productID := r.PathValue("id")
	projectID, err := h.store.ProductProjectID(ctx, productID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if projectID != mc.Project.ID {
		writeError(w, r, errors.NotFound("Product not found"))
		return
	}

	if err := h.store.RestoreProduct(ctx, productID, body.Force); err != nil {
		writeError(w, r, err)
		return
	}
	product, err := h.store.GetProduct(ctx, productID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "restore_product",
		ResourceType: "product",
		ResourceID:   product.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"name": product.Name, "force": body.Force}),
	})

	writeJSON(w, http.StatusOK, product)
}

type createPaymentConfigRequest struct {
	Provider      string  `json:"provider"`
	StripePriceID *string `json:"stripe_price_id,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	Currency      *string `json:"currency,omitempty"`
	LSVariantID   *string `json:"ls_variant_id,omitempty"`
}

// CreatePaymentConfig attaches provider pricing to a product. One config
// per provider; a second insert for the same provider conflicts.
func (h *ProductHandlers) CreatePaymentConfig(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createPaymentConfigRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	pc := &store.PaymentConfig{
		ProductID:     product.ID,
		Provider:      store.Provider(body.Provider),
		StripePriceID: body.StripePriceID,
		PriceCents:    body.PriceCents,
		Currency:      body.Currency,
		LSVariantID:   body.LSVariantID,
	}
	if err := h.store.CreatePaymentConfig(r.Context(), pc); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "create_payment_config",
		ResourceType: "payment_config",
		ResourceID:   pc.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"product_id": product.ID, "provider": pc.Provider}),
	})

	writeJSON(w, http.StatusCreated, pc)
}

// ListPaymentConfigs returns the product's pricing rows.
func (h *ProductHandlers) ListPaymentConfigs(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	configs, err := h.store.ListPaymentConfigs(r.Context(), product.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_configs": configs})
}

// GetPaymentConfig returns one pricing row.
func (h *ProductHandlers) GetPaymentConfig(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	_, pc, err := h.paymentConfigInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// UpdatePaymentConfig applies a partial pricing update.
func (h *ProductHandlers) UpdatePaymentConfig(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, pc, err := h.paymentConfigInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var update store.PaymentConfigUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := h.store.UpdatePaymentConfig(r.Context(), pc.ID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "update_payment_config",
		ResourceType: "payment_config",
		ResourceID:   updated.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"product_id": product.ID, "provider": updated.Provider}),
	})

	writeJSON(w, http.StatusOK, updated)
}

// DeletePaymentConfig removes provider pricing from a product.
func (h *ProductHandlers) DeletePaymentConfig(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	product, pc, err := h.paymentConfigInProject(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeletePaymentConfig(r.Context(), pc.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "delete_payment_config",
		ResourceType: "payment_config",
		ResourceID:   pc.ID,
		ResourceName: product.Name,
		Details:      audit.JSON(map[string]any{"product_id": product.ID, "provider": pc.Provider}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// productInProject loads the {id} product and hides other projects'
// products behind the same 404 as an unknown id.
func (h *ProductHandlers) productInProject(r *http.Request, mc *authz.MemberContext) (*store.Product, error) {
	product, err := h.store.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if product.ProjectID != mc.Project.ID {
		return nil, errors.NotFound("Product not found")
	}
	return product, nil
}

func (h *ProductHandlers) paymentConfigInProject(r *http.Request, mc *authz.MemberContext) (*store.Product, *store.PaymentConfig, error) {
	product, err := h.productInProject(r, mc)
	if err != nil {
		return nil, nil, err
	}
	pc, err := h.store.GetPaymentConfigByID(r.Context(), r.PathValue("config"))
	if err != nil {
		return nil, nil, err
	}
	if pc.ProductID != product.ID {
		return nil, nil, errors.NotFound("Payment config not found")
	}
	return product, pc, nil
}
