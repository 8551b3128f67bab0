package types

// WebSocket close codes in the application-reserved range (4000-4999).
// Clients distinguish admission failures and replacement causes by code.
const (
	// CloseSupersededByReconnect: the same logical client (same client id)
	// reconnected and the stale socket was closed in its favor.
	CloseSupersededByReconnect = 4001

	// CloseReplacedByClient: another client id attached for the same
	// participant identity and took over the connection.
	CloseReplacedByClient = 4002

	// CloseHeartbeatTimeout: the liveness monitor evicted the connection
	// after one full interval without traffic or a heartbeat ack.
	CloseHeartbeatTimeout = 4008

	// CloseBadRequest: session id or token missing from the request.
	CloseBadRequest = 4400

	// CloseUnauthorized: the token verifier rejected the credential or was
	// unreachable.
	CloseUnauthorized = 4401

	// CloseSessionEnded: the session was closed by an administrator.
	CloseSessionEnded = 4410

	// CloseInternalError: unexpected failure during admission.
	CloseInternalError = 4500
)
