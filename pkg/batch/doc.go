// Package batch groups interceptors so they are applied, observed and
// disposed as one.
//
// Members must have distinct registry keys. A member that fails to apply
// undoes the members applied before it.
package batch
