package supervisor

import (
	"net/http"

	"github.com/gobwas/ws"
	"github.com/labstack/echo"
	log "github.com/sirupsen/logrus"
)

// HTTPHandler exposes the realtime endpoint and its operational
// introspection beside it.
type HTTPHandler struct {
	sup     *Supervisor
	origins map[string]struct{}
}

// NewHTTPHandler creates the endpoint handler. An empty origin list
// allows any origin.
func NewHTTPHandler(sup *Supervisor, allowedOrigins []string) *HTTPHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &HTTPHandler{sup: sup, origins: origins}
}

// RegisterRoutes attaches the handlers to the echo web server
func (h *HTTPHandler) RegisterRoutes(e *echo.Echo) {
	log.Debug("Register realtime routes")
	api := e.Group("/realtime")
	api.Any("/v1", h.connectionHandler())
	api.GET("/v1/stats", h.statsHandler())
}

func (h *HTTPHandler) originAllowed(origin string) bool {
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	if _, ok := h.origins["*"]; ok {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

func (h *HTTPHandler) connectionHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		if !h.originAllowed(req.Header.Get("Origin")) {
			return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
		}

		conn, _, _, err := ws.UpgradeHTTP(req, c.Response())
		if err != nil {
			return err
		}
		defer conn.Close()

		terminateCh := make(chan struct{})
		driver := newWSDriver(conn, terminateCh)
		driver.Start()
		defer driver.Wait()

		cc := h.sup.Attach(driver)
		defer h.sup.Detach(cc, "connection closed")

		token := req.URL.Query().Get("token")
		if err := h.sup.Authenticate(req.Context(), cc, token); err != nil {
			// The client already received an AUTH_FAILED envelope and the
			// close handshake is on its way; wait for the driver to wind
			// down.
			<-terminateCh
			return nil
		}

		for {
			select {
			case msg := <-driver.inbox:
				h.sup.HandleInbound(req.Context(), cc, msg.data)
			case <-terminateCh:
				log.Debug("handler exit realtime connection handler func")
				return nil
			}
		}
	}
}

func (h *HTTPHandler) statsHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, h.sup.Stats())
	}
}
