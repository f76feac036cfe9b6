// Package syntax holds string types for the identifiers a repository deals with: DIDs, collection
// NSIDs, record keys, repo paths and TIDs.
//
// The types are thin aliases over string. Parse functions check syntax only; nothing here resolves
// identities or applies policy.
package syntax
