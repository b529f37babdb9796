// Package warehouse defines the domain types and collaborator interfaces shared by the listing
// ingestion pipeline: the crawl queue, the bronze raw archive, the silver normalized layer and the
// gold star schema. Concrete behavior lives in the queue, bronze, silver and gold packages; storage
// implementations live under internal/storage.
package warehouse
