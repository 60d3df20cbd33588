// Package httputil provides the JSON request/response helpers and the
// request-scoped middleware (request ids, access logging, panic recovery,
// body limits) shared by the authz HTTP server.
//
// Typical handler:
//
//	var req createRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	if !ok {
//		return
//	}
//	role, err := svc.GetRole(r.Context(), id)
//	if err != nil {
//		httputil.WriteError(w, r, logger, err) // 4xx for StatusCoder errors, else 500
//		return
//	}
//	httputil.WriteSuccess(w, role)
//
// Middleware is composed with Chain; RequestIDMiddleware must run before
// LoggingMiddleware so access logs carry the request id:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
