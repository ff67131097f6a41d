// Package controller implements the per-request response controller handed to
// request listeners. A controller accepts exactly one decision: a mocked
// response, a network error, or passthrough to the real destination.
//
// The first RespondWith, ErrorWith or Passthrough wins; later calls return a
// *MisuseError wrapping ErrAlreadyHandled. A controller nobody decides
// resolves to passthrough once Wait's zero-delay timer fires.
//
//	ctrl := controller.New(req)
//	go func() { _ = ctrl.RespondWith(resp) }()
//	decision, err := ctrl.Wait(ctx)
package controller
