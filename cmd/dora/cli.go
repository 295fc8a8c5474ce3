package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drand/kyber"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v2"

	"github.com/teleconsys/dora-storage/common/log"
	"github.com/teleconsys/dora-storage/core"
	"github.com/teleconsys/dora-storage/internal/metrics"
	"github.com/teleconsys/dora-storage/key"
	"github.com/teleconsys/dora-storage/records"
	"github.com/teleconsys/dora-storage/storage"
	"github.com/teleconsys/dora-storage/tangle"
)

const (
	saveDirEnv     = "DORA_SAVE_DIR"
	defaultSaveDir = "./data"
	defaultNodeURL = "http://localhost:14265"

	resolveTimeout = 30 * time.Second
)

func saveDir() string {
	if dir := os.Getenv(saveDirEnv); dir != "" {
		return dir
	}
	return defaultSaveDir
}

var nodeURLFlag = &cli.StringFlag{
	Name:  "node-url",
	Usage: "URL of the ledger node HTTP API",
	Value: defaultNodeURL,
}

var nodeCmd = &cli.Command{
	Name:  "node",
	Usage: "run a committee node",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "governor",
			Usage:    "tag instructions are accepted from",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "storage",
			Usage:    "object storage bucket",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "storage-endpoint",
			Usage:    "S3-compatible endpoint",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "storage-access-key",
			Usage:    "object storage access key",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "storage-secret-key",
			Usage:    "object storage secret key",
			Required: true,
		},
		nodeURLFlag,
		&cli.StringFlag{
			Name:  "faucet-url",
			Usage: "URL of the faucet used when the balance runs out",
		},
		&cli.IntFlag{
			Name:  "time-resolution",
			Usage: "seconds the DID timestamps are rounded down to",
			Value: int(core.DefaultTimeResolution / time.Second),
		},
		&cli.IntFlag{
			Name:  "signature-sleep-time",
			Usage: "seconds each signing round stays open",
			Value: int(core.DefaultSignatureSleepTime / time.Second),
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "local host:port to bind a metrics servlet (optional)",
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := log.DefaultLogger()

		if cctx.IsSet("metrics") {
			listener := metrics.Start(cctx.String("metrics"), logger)
			if listener != nil {
				defer listener.Close()
			}
		}

		// the identity determines the ledger address used for funding, so
		// it is created before the ledger client
		store := key.NewFileStore(saveDir())
		pair, err := store.LoadKeyPair()
		if errors.Is(err, os.ErrNotExist) {
			pair = key.NewKeyPair()
			err = store.SaveKeyPair(pair)
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("loading identity: %v", err), 2)
		}

		ledger := tangle.NewNodeClient(cctx.String("node-url"), cctx.String("faucet-url"), pair.Public.Tag(), logger)
		objects, err := storage.NewS3(storage.S3Config{
			Endpoint:  cctx.String("storage-endpoint"),
			Bucket:    cctx.String("storage"),
			AccessKey: cctx.String("storage-access-key"),
			SecretKey: cctx.String("storage-secret-key"),
		}, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("opening object storage: %v", err), 2)
		}

		node, err := core.NewNode(core.Config{
			SaveDir:            saveDir(),
			GovernorTag:        cctx.String("governor"),
			Ledger:             ledger,
			Storage:            objects,
			Logger:             logger,
			TimeResolution:     time.Duration(cctx.Int("time-resolution")) * time.Second,
			SignatureSleepTime: time.Duration(cctx.Int("signature-sleep-time")) * time.Second,
		})
		if err != nil {
			return cli.Exit(fmt.Sprintf("starting node: %v", err), 2)
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return cli.Exit(fmt.Sprintf("node stopped: %v", err), 2)
		}
		return nil
	},
}

var newCommitteeCmd = &cli.Command{
	Name:  "new-committee",
	Usage: "publish a governor instruction forming a committee",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "governor",
			Usage:    "tag the instruction is published on",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "nodes",
			Usage:    "comma-separated DIDs (or identifier tails) of the members",
			Required: true,
		},
		nodeURLFlag,
	},
	Action: func(cctx *cli.Context) error {
		logger := log.DefaultLogger()
		var dids []string
		for _, raw := range strings.Split(cctx.String("nodes"), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if !strings.HasPrefix(raw, key.DIDPrefix) {
				raw = key.DIDPrefix + raw
			}
			dids = append(dids, raw)
		}
		if len(dids) < core.MinCommittee {
			return cli.Exit(fmt.Sprintf("a committee needs at least %d nodes", core.MinCommittee), 2)
		}

		nonce := uuid.New()
		payload, err := json.Marshal(&core.GovernorInstruction{
			Kind:  core.KindNewCommittee,
			Nodes: dids,
			Nonce: hex.EncodeToString(nonce[:]),
		})
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		client := tangle.NewNodeClient(cctx.String("node-url"), "", "", logger)
		publisher := tangle.NewPublisher(client, nil, logger)
		id, err := publisher.Publish(cctx.Context, cctx.String("governor"), payload)
		if err != nil {
			return cli.Exit(fmt.Sprintf("publishing instruction: %v", err), 2)
		}
		fmt.Println(id)
		return nil
	},
}

var requestCmd = &cli.Command{
	Name:  "request",
	Usage: "publish a request on a committee tag",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "committee-tag",
			Usage:    "tag of the committee serving the request",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "input-uri",
			Usage:    "input to ingest (literal:string:, iota:message:, storage:local:, http(s)://)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "storage-id",
			Usage: "object storage key the input is stored under (optional)",
		},
		nodeURLFlag,
	},
	Action: func(cctx *cli.Context) error {
		logger := log.DefaultLogger()
		nonce := uuid.New()
		payload, err := json.Marshal(&core.Request{
			Kind:      core.KindRequest,
			InputURI:  cctx.String("input-uri"),
			StorageID: cctx.String("storage-id"),
			Nonce:     hex.EncodeToString(nonce[:]),
		})
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		client := tangle.NewNodeClient(cctx.String("node-url"), "", "", logger)
		publisher := tangle.NewPublisher(client, nil, logger)
		id, err := publisher.Publish(cctx.Context, cctx.String("committee-tag"), payload)
		if err != nil {
			return cli.Exit(fmt.Sprintf("publishing request: %v", err), 2)
		}
		fmt.Println(id)
		return nil
	},
}

var verifyLogCmd = &cli.Command{
	Name:  "verify-log",
	Usage: "verify a node signature log",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "log",
			Usage:    "path of the signature log JSON",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "hex encoded node public key, resolved from the ledger when absent",
		},
		nodeURLFlag,
	},
	Action: func(cctx *cli.Context) error {
		data, err := os.ReadFile(cctx.String("log"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		slog := &records.SignatureLog{}
		if err := json.Unmarshal(data, slog); err != nil {
			return cli.Exit(fmt.Sprintf("parsing log: %v", err), 2)
		}

		pub, err := resolveKey(cctx, slog.NodeDID)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if err := slog.Verify(pub); err != nil {
			return cli.Exit(fmt.Sprintf("invalid: %v", err), 2)
		}
		fmt.Println("valid")
		return nil
	},
}

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "verify a committee task log",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "committee-log",
			Usage:    "path of the committee task log JSON",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "hex encoded committee public key, resolved from the ledger when absent",
		},
		nodeURLFlag,
	},
	Action: func(cctx *cli.Context) error {
		data, err := os.ReadFile(cctx.String("committee-log"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		taskLog := &records.TaskLog{}
		if err := json.Unmarshal(data, taskLog); err != nil {
			return cli.Exit(fmt.Sprintf("parsing log: %v", err), 2)
		}

		pub, err := resolveKey(cctx, taskLog.CommitteeDID)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if err := taskLog.Verify(pub); err != nil {
			return cli.Exit(fmt.Sprintf("invalid: %v", err), 2)
		}
		fmt.Println("valid")
		return nil
	},
}

// resolveKey returns the public key behind a DID, either from the --key flag
// or by resolving the DID document on the ledger.
func resolveKey(cctx *cli.Context, did string) (kyber.Point, error) {
	if keyHex := cctx.String("key"); keyHex != "" {
		return key.PointFromHex(keyHex)
	}
	client := tangle.NewNodeClient(cctx.String("node-url"), "", "", log.DefaultLogger())
	ctx, cancel := context.WithTimeout(cctx.Context, resolveTimeout)
	defer cancel()
	doc := core.FindDocument(ctx, client, did)
	if doc == nil {
		return nil, fmt.Errorf("no DID document found for %s", did)
	}
	return doc.PublicKey()
}
