package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the console API.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe (unauthenticated)
//	GET  /api/v1/agents                  – agent list and current selection
//	POST /api/v1/agents/{agentID}/select – switch scope
//	GET  /api/v1/alerts                  – reconciled alert view
//	GET  /api/v1/alerts/network          – network-category events
//	GET  /api/v1/alerts/reports          – per-day aggregates
//	POST /api/v1/alerts/{alertID}/resolve
//	DELETE /api/v1/alerts/{alertID}
//	GET  /api/v1/files                   – watch list
//	POST /api/v1/files                   – add a watch (store write + command)
//	DELETE /api/v1/files/{fileID}
//	GET  /api/v1/firewall                – rules, toggle state, pending commands
//	POST /api/v1/firewall                – toggle
//	POST /api/v1/firewall/rules          – add rule
//	DELETE /api/v1/firewall/rules/{index}
//	GET  /api/v1/logs                    – buffered log stream
//	GET  /api/v1/stats                   – latest agent stats
//	GET  /api/v1/connection              – relay link state
//	POST /api/v1/connection/reconnect    – on-demand redial
//
// A nil secret disables authentication; only tests and dev setups do that.
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if secret != nil {
			r.Use(Auth(secret, srv.session.OperatorID(), srv.logger))
		}

		r.Get("/agents", srv.handleListAgents)
		r.Post("/agents/{agentID}/select", srv.handleSelectAgent)

		r.Get("/alerts", srv.handleListAlerts)
		r.Get("/alerts/network", srv.handleNetworkEvents)
		r.Get("/alerts/reports", srv.handleDailyReports)
		r.Post("/alerts/{alertID}/resolve", srv.handleResolveAlert)
		r.Delete("/alerts/{alertID}", srv.handleDeleteAlert)

		r.Get("/files", srv.handleListFiles)
		r.Post("/files", srv.handleAddFile)
		r.Delete("/files/{fileID}", srv.handleRemoveFile)

		r.Get("/firewall", srv.handleFirewallState)
		r.Post("/firewall", srv.handleToggleFirewall)
		r.Post("/firewall/rules", srv.handleAddFirewallRule)
		r.Delete("/firewall/rules/{index}", srv.handleDeleteFirewallRule)

		r.Get("/logs", srv.handleLogs)
		r.Get("/stats", srv.handleStats)

		r.Get("/connection", srv.handleConnectionState)
		r.Post("/connection/reconnect", srv.handleReconnect)
	})

	return r
}
