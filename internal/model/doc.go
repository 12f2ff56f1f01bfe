// Package model defines the shared data types of the Check-and-Posting
// Service: checks and their line items, check locks, workstation number
// ranges, sync queue rows, config cache entries and conflict records.
//
// Monetary amounts are carried as integer minor units (Cents). Conversion
// to and from decimal happens only at the edges (store boundary, LAN API)
// via shopspring/decimal; floats never hold money.
package model
