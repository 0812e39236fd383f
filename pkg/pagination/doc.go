// Package pagination turns one logical query into the sequence of HTTP
// requests needed to read every page of a paginated JSON API, and exposes the
// combined result as a single ordered, lazy sequence of records.
//
// Example usage:
//
//	c, _ := client.New(client.DefaultConfig("api-query/1.0"))
//	engine := pagination.NewEngine(c)
//
//	q := pagination.Query{
//		Endpoint:    "https://api.example.com/v1/items",
//		Mode:        pagination.ModeOffset,
//		PageSize:    100,
//		Concurrency: 4,
//		MaxRetries:  3,
//	}
//	for rec, err := range engine.Run(ctx, q) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(string(rec))
//	}
//
// The engine:
//   - Fetches token-paginated queries strictly sequentially
//   - Overlaps up to Concurrency fetches for offset-paginated queries
//   - Emits records in page order regardless of completion order
//   - Retries transient failures (transport, timeout, 429, 5xx) with jittered backoff
//   - Fails the whole query on permanent errors or exhausted retries, naming the page
//   - Stops on an exhausted cursor, MaxRecords, or MaxPages
//   - Cancels in-flight fetches when the consumer stops ranging
package pagination
