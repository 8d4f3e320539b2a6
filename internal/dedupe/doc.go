// Package dedupe remembers recently used client request ids.
//
// The gateway's send endpoint claims each request_id for the task it starts:
//
//	taskID, dup := cache.Claim(requestID, newTaskID)
//	if dup {
//	    // 409, the original task is taskID
//	}
//
// Claims expire after the configured TTL (api.dedupe_ttl, default 5m) and the
// cache never holds more than maxSize keys; the oldest claim is evicted first.
package dedupe
