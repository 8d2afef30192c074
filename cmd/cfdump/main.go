// Command cfdump exercises the CloudFetch pipeline end to end against a
// Databricks Statement Execution API result set and prints row counts per
// record batch, the way the teacher's cmd/select1 exercises a single query path.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/databricks/databricks-sql-go"
	"github.com/databricks/databricks-sql-go/internal/protocol"
	"github.com/databricks/databricks-sql-go/internal/restfetch"
)

func main() {
	baseURL := flag.String("base-url", "", "Databricks workspace base URL, e.g. https://my-workspace.cloud.databricks.com")
	statementID := flag.String("statement-id", "", "statement ID whose results to dump")
	token := flag.String("token", "", "bearer token (out of this pipeline's scope; passed through verbatim)")
	configFile := flag.String("config", "", "optional TOML file overriding CloudFetch defaults")
	flag.Parse()

	if *baseURL == "" || *statementID == "" {
		log.Fatal("cfdump: -base-url and -statement-id are required")
	}

	cfg, err := cloudfetch.LoadConfigFile(*configFile)
	if err != nil {
		log.Fatalf("cfdump: %v", err)
	}
	cfg = cfg.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newRESTClient(*baseURL, *token)
	manifest, err := client.fetchStatement(ctx, *statementID)
	if err != nil {
		log.Fatalf("cfdump: %v", err)
	}

	queue := make(protocol.DownloadQueue, cfg.PrefetchCount*2)
	fetcher := restfetch.New(client, *statementID, manifest, queue)

	reader, err := cloudfetch.Open(ctx, cfg, fetcher, queue, cloudfetch.OpenOptions{})
	if err != nil {
		log.Fatalf("cfdump: opening pipeline: %v", err)
	}
	defer reader.Close()

	chunkIndex := 0
	start := time.Now()
	var totalRows int64
	for {
		batch, err := reader.NextBatch(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("cfdump: %v", err)
		}
		fmt.Printf("batch %d: %d rows\n", chunkIndex, batch.NumRows())
		totalRows += batch.NumRows()
		batch.Release()
		chunkIndex++
	}
	fmt.Printf("done: %d batches, %d rows, %d bytes dispatched, %s\n", chunkIndex, totalRows, reader.TotalBytes(), time.Since(start))
}
