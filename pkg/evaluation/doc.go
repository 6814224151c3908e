// Package evaluation defines the request/response contract spoken with an
// engine: evaluation kinds, structural results, the fault taxonomy that
// separates a lost connection from an expression that failed, and the call
// expression syntax used for named remote operations.
package evaluation
