// Package models holds the GORM persistence models for the fiscal ledger.
// Domain types stay free of ORM tags; each model converts to and from its
// domain counterpart.
package models
