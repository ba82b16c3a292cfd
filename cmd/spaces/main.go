package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/relves/spaces/internal/storage/sqlite"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/spaces"
	"github.com/relves/spaces/pkg/types"
)

const usage = `spaces - encrypted group replica

Usage:
  spaces register                             publish this actor's pre-key bundle
  spaces create <space>                       create a space (you become admin)
  spaces add <space> <actor-did> <level>      grant membership (read|write|admin)
  spaces access <space> <actor-did> <level>   change a member's level
  spaces remove <space> <actor-did>           revoke membership
  spaces leave <space>                        remove yourself
  spaces send <space> <message>               encrypt and author content
  spaces recv <envelope-file>...              ingest envelopes from peers
  spaces open <operation-id>                  decrypt stored content
  spaces view <space>                         show the merged membership view
  spaces roster                               show the global roster
  spaces whoami                               print this actor's DID

Authored envelopes are written to $DATA_PATH/outbox; hand them to your
dissemination layer of choice.

Environment:
  DATA_PATH            replica storage directory (default ./data)
  LOG_LEVEL            debug|info|warn|error (default info)
  SPACES_PRIVATE_KEY   base64 ed25519 private key (default: generated and saved)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	basePath := getEnv("DATA_PATH", "./data")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(context.Background(), basePath, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, basePath string, logger *slog.Logger, command string, args []string) error {
	priv, err := loadKey(basePath)
	if err != nil {
		return err
	}
	id, err := identity.FromRaw(priv)
	if err != nil {
		return err
	}

	storeManager := sqlite.NewStoreManager(basePath)
	defer storeManager.CloseAll()
	store, err := storeManager.GetReplicaStore(id.ActorID())
	if err != nil {
		return err
	}

	manager, err := spaces.New(spaces.Config{
		Identity: id,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := manager.Rehydrate(ctx); err != nil {
		return err
	}

	switch command {
	case "whoami":
		fmt.Println(id.DID())
		return nil

	case "register":
		return manager.Register(ctx)

	case "create":
		if len(args) != 1 {
			return fmt.Errorf("usage: spaces create <space>")
		}
		env, err := manager.CreateSpace(ctx, types.SpaceID(args[0]), nil)
		if err != nil {
			return err
		}
		return writeEnvelope(basePath, env)

	case "add", "access":
		if len(args) != 3 {
			return fmt.Errorf("usage: spaces %s <space> <actor-did> <level>", command)
		}
		accessLevel, err := parseLevel(args[2])
		if err != nil {
			return err
		}
		var env *spaces.Envelope
		if command == "add" {
			env, err = manager.AddMember(ctx, types.SpaceID(args[0]), types.ActorID(args[1]), accessLevel)
		} else {
			env, err = manager.ChangeAccess(ctx, types.SpaceID(args[0]), types.ActorID(args[1]), accessLevel)
		}
		if err != nil {
			return err
		}
		return writeEnvelope(basePath, env)

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: spaces remove <space> <actor-did>")
		}
		env, err := manager.RemoveMember(ctx, types.SpaceID(args[0]), types.ActorID(args[1]))
		if err != nil {
			return err
		}
		return writeEnvelope(basePath, env)

	case "leave":
		if len(args) != 1 {
			return fmt.Errorf("usage: spaces leave <space>")
		}
		env, err := manager.RemoveMember(ctx, types.SpaceID(args[0]), id.ActorID())
		if err != nil {
			return err
		}
		return writeEnvelope(basePath, env)

	case "send":
		if len(args) != 2 {
			return fmt.Errorf("usage: spaces send <space> <message>")
		}
		env, err := manager.Send(ctx, types.SpaceID(args[0]), []byte(args[1]))
		if err != nil {
			return err
		}
		return writeEnvelope(basePath, env)

	case "recv":
		if len(args) == 0 {
			return fmt.Errorf("usage: spaces recv <envelope-file>...")
		}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			accepted, err := manager.Receive(ctx, data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: accepted %d operation(s), %d buffered\n",
				path, len(accepted), manager.Pending())
		}
		return nil

	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: spaces open <operation-id>")
		}
		opID, err := types.ParseOperationID(args[0])
		if err != nil {
			return err
		}
		plaintext, err := manager.Open(ctx, opID)
		if err != nil {
			return err
		}
		fmt.Println(string(plaintext))
		return nil

	case "view":
		if len(args) != 1 {
			return fmt.Errorf("usage: spaces view <space>")
		}
		view, err := manager.SpaceView(ctx, types.SpaceID(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("space: %s\nepoch: %d\nmembers:\n", view.Space, view.Epoch)
		for _, member := range sortedActors(view.Members) {
			fmt.Printf("  %-6s %s\n", view.Members[member], member)
		}
		return nil

	case "roster":
		roster := manager.RosterView(ctx)
		for _, actor := range sortedActors(roster.Actors) {
			fmt.Printf("%-6s %s\n", roster.Actors[actor], actor)
		}
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func sortedActors(members map[types.ActorID]types.AccessLevel) []types.ActorID {
	actors := make([]types.ActorID, 0, len(members))
	for actor := range members {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}

func parseLevel(s string) (types.AccessLevel, error) {
	switch s {
	case "read":
		return types.AccessRead, nil
	case "write":
		return types.AccessWrite, nil
	case "admin":
		return types.AccessAdmin, nil
	default:
		return types.AccessNone, fmt.Errorf("unknown access level %q (want read, write, or admin)", s)
	}
}

// writeEnvelope drops the authored envelope into the outbox for the
// caller's dissemination layer to pick up.
func writeEnvelope(basePath string, env *spaces.Envelope) error {
	op, err := types.DecodeOperation(env.Operation)
	if err != nil {
		return err
	}
	id, err := op.ID()
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	outbox := filepath.Join(basePath, "outbox")
	if err := os.MkdirAll(outbox, 0755); err != nil {
		return err
	}
	path := filepath.Join(outbox, id.String()+".env")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Printf("operation: %s\nenvelope:  %s\n", id, path)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadKey loads the actor's ed25519 private key from SPACES_PRIVATE_KEY,
// falling back to a key file under the data directory that is generated
// on first use.
func loadKey(basePath string) (ed25519.PrivateKey, error) {
	if encoded := os.Getenv("SPACES_PRIVATE_KEY"); encoded != "" {
		priv, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode SPACES_PRIVATE_KEY: %w", err)
		}
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("SPACES_PRIVATE_KEY must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
		}
		return ed25519.PrivateKey(priv), nil
	}

	keyPath := filepath.Join(basePath, "identity.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyPath, err)
		}
		return ed25519.PrivateKey(priv), nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(priv)), 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}
