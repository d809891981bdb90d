// Package config implements the mKTL configuration plane: the block schema
// a daemon uses to describe its items, the canonical hash over the items
// section, the provenance chain that records how a block travelled, and
// the cache that registries and clients use to merge, validate, and persist
// blocks from many daemons.
//
// All on-disk access funnels through Directory, which resolves the cache
// root once per process from MKTL_HOME or $HOME/.mKTL.
package config
