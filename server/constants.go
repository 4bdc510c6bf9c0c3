package server

import "time"

// Routes
const (
	APIPrefix          = "/api/v1"
	RouteHealth        = APIPrefix + "/health"
	RouteStatus        = APIPrefix + "/status"
	RouteHandshake     = APIPrefix + "/handshake"
	RouteStartDiscover = APIPrefix + "/discovery/start"
	RouteStopDiscover  = APIPrefix + "/discovery/stop"
	RouteCACert        = APIPrefix + "/tls/ca.pem"
	RoutePairings      = APIPrefix + "/pairings"
	RouteWebSocket     = "/ws"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, DELETE, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

const (
	DefaultSessionTimeout = 10 * time.Minute
	DefaultStatusInterval = 30 * time.Second

	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
)
