package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/meterchain/internal/api/v1"
	"github.com/gosuda/meterchain/internal/api/ws"
)

func registerAPIRoutes(api huma.API, svc Services) {
	v1.RegisterAccountRoutes(api, svc.Accounts)
	v1.RegisterWorkRoutes(api, svc.Work)
	v1.RegisterChainRoutes(api, svc.Chains, svc.Work)
	v1.RegisterAuditRoutes(api, svc.Audit)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/audit", hub.ServeAudit)
	r.Get("/work", hub.ServeWork)
	r.Get("/chains/{chainID}", hub.ServeChain)
}
