/*
Package resilience provides a circuit breaker.

Extension functions run through one breaker each, so a module that keeps
trapping is short-circuited instead of failing every script call.

	Closed --[ReadyToTrip]-> Open --[Timeout]-> Half-Open --[MaxRequests successes]-> Closed
	                                              |
	                                          [failure] -> Open

# Usage

	breaker := resilience.New("radar.scan", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	err := breaker.Execute(func() error {
		_, err := fn.Call(ctx, args...)
		return err
	})
*/
package resilience
