package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"brokerbridge/internal/broker"
	"brokerbridge/internal/database"
	syncer "brokerbridge/internal/sync"
	"brokerbridge/internal/vault"
)

const demoCSV = `Account Number,Account Name,Symbol,Quantity,Last Price,Current Value,Average Cost Basis
Z40551234,Individual Brokerage,AAPL,25,182.50,4562.50,150.00
Z40551234,Individual Brokerage,VOO,12,420.00,5040.00,380.00
Z40551234,Individual Brokerage,AAPL240119C00150000,2,35.00,7000.00,28.50
Z40559876,Roth IRA,MSFT,15,330.00,4950.00,250.00
Z40559876,Roth IRA,SCHD,40,78.25,3130.00,71.00
`

func main() {
	godotenv.Load()
	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		log.Fatal("POSTGRES_URL is required")
	}
	masterKey := os.Getenv("BROKERBRIDGE_MASTER_KEY")
	if masterKey == "" {
		log.Fatal("BROKERBRIDGE_MASTER_KEY is required")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer db.Close()

	logger := logrus.New()
	v, err := vault.New(masterKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	registry := broker.NewRegistry()
	registry.Register(broker.NewFileAdapter("generic_csv", logger))

	store := database.New(db, logger)
	orch := syncer.NewOrchestrator(store, v, registry, logger)

	ctx := context.Background()
	orgID := "demo-org"

	fmt.Printf("Seeding demo file-import connection for %s...\n", orgID)
	created, err := orch.CreateConnection(ctx, syncer.CreateParams{
		OrgID:  orgID,
		UserID: "demo-user",
		Broker: "generic_csv",
		Auth: broker.AuthInput{
			FileContent: demoCSV,
			FileName:    "demo-fidelity.csv",
		},
	})
	if err != nil {
		log.Fatalf("create connection: %v", err)
	}
	fmt.Printf("Connection %s with %d accounts:\n", created.ConnectionID, len(created.Accounts))
	for _, a := range created.Accounts {
		fmt.Printf("  %s (%s)\n", a.Nickname, a.MaskedNumber)
	}

	res, err := orch.Sync(ctx, created.ConnectionID, syncer.Options{ReplaceSnapshot: true})
	if err != nil {
		log.Fatalf("sync: %v", err)
	}
	fmt.Printf("Imported %d lots, created %d instruments, %d row errors\n",
		res.LotsImported, res.InstrumentsCreated, len(res.RowErrors))
	for _, re := range res.RowErrors {
		fmt.Printf("  row %d: %s (%q)\n", re.Row, re.Reason, re.Value)
	}

	fmt.Printf("Done. Try: GET /positions?org_id=%s\n", orgID)
}
