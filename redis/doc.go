// Package redis implements the key-value side of boxrelay on go-redis: the per-box job
// queue, the cached item meta and the distributed bucket and partition locks.
//
// Keys:
//
//	<box>:job_queue        list of job descriptors, LPUSH on push, BRPOP on pop
//	<box>:<item_id>        JSON item meta with a TTL
//	<lock key>             SET NX PX token, released by compare-and-delete
//
// Every key is prepended with Config.KeyPrefix when it is set.
package redis
