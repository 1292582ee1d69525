// Package seckill admits flash-sale orders. A Lua script reserves stock and
// records the buyer in one atomic step against Redis; admitted orders get an
// id and wait in a bounded in-process queue until a single worker persists
// them under a per-user distributed lock.
//
// The queue is not durable: tasks still queued when the process dies are
// lost while their Redis reservation stays in place.
package seckill
