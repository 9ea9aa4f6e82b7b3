package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"

	"github.com/BhaskarPeruri/EthAssert/assertion"
	"github.com/BhaskarPeruri/EthAssert/custody"
	"github.com/BhaskarPeruri/EthAssert/db"
	"github.com/BhaskarPeruri/EthAssert/guard"
	"github.com/BhaskarPeruri/EthAssert/identity"
	"github.com/BhaskarPeruri/EthAssert/oracle"
	"github.com/BhaskarPeruri/EthAssert/treasury"
)

const (
	defaultOracleIdentity = "0xoracle"
	defaultMinimumBond    = "10000000000000000" // 0.01 in base units
	defaultBondingAsset   = "WETH"
	defaultListenAddr     = ":8080"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	oracleIdentity := os.Getenv("ORACLE_IDENTITY")
	if oracleIdentity == "" {
		oracleIdentity = defaultOracleIdentity
	}
	minBondText := os.Getenv("ORACLE_MINIMUM_BOND")
	if minBondText == "" {
		minBondText = defaultMinimumBond
	}
	minBond, ok := new(big.Int).SetString(minBondText, 10)
	if !ok {
		log.Fatalf("malformed ORACLE_MINIMUM_BOND %q", minBondText)
	}
	authority := os.Getenv("WITHDRAWAL_AUTHORITY")
	if authority == "" {
		log.Fatal("WITHDRAWAL_AUTHORITY is required")
	}

	lock := guard.New()
	resolutionService := oracle.NewSimulated(oracleIdentity, minBond)
	treasuryService := treasury.NewService(pool, treasury.LogRemitter{}, authority, lock)
	custodyAdapter := custody.NewAdapter(custody.NewSimToken(), oracleIdentity, defaultBondingAsset)

	engine := assertion.NewService(assertion.Config{
		Pool:           pool,
		Treasury:       treasuryService,
		Custodian:      custodyAdapter,
		Oracle:         resolutionService,
		OracleIdentity: oracleIdentity,
		BondingAsset:   defaultBondingAsset,
		Lock:           lock,
	})

	identityService := identity.NewService(identity.NewRepository(pool), os.Getenv("JWT_SECRET"))

	server := &Server{
		engine:          engine,
		treasuryService: treasuryService,
		identityService: identityService,
		resolver:        resolutionService,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = defaultListenAddr
	}
	log.Printf("assertion market listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
