package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"runtime"
	"time"

	"github.com/integrii/flaggy"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/log"
	"github.com/pinacle-sh/pinacle/pkg/models"
	podruntime "github.com/pinacle-sh/pinacle/pkg/runtime"
	"github.com/pinacle-sh/pinacle/pkg/snapshot"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	debuggingFlag = false
	containerID   string
	podID         string
	snapshotID    string
	storageType   string
	storagePath   string
	s3Endpoint    string
	s3Bucket      string
	s3Region      string
	s3AccessKey   string
	s3SecretKey   string
	timeoutMs     = 30 * 60 * 1000
)

// result is the one line of JSON this tool prints, success or not. Callers
// parse it instead of scraping logs.
type result struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("pinacle-snapshot")
	flaggy.SetDescription("Create, restore, and delete pod snapshots from the command line")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.Int(&timeoutMs, "t", "timeout-ms", "Abort the operation after this many milliseconds")
	flaggy.SetVersion(info)

	createCmd := flaggy.NewSubcommand("snapshot-create")
	createCmd.Description = "Export a pod's volumes into a new snapshot archive"
	createCmd.String(&containerID, "c", "container-id", "Full container ID of the pod to snapshot")
	createCmd.String(&snapshotID, "s", "snapshot-id", "ID to assign the new snapshot")
	addStorageFlags(createCmd)

	restoreCmd := flaggy.NewSubcommand("snapshot-restore")
	restoreCmd.Description = "Restore a snapshot archive into a pod's volumes"
	restoreCmd.String(&snapshotID, "s", "snapshot-id", "Snapshot to restore")
	restoreCmd.String(&podID, "p", "pod-id", "Pod to restore into")
	addStorageFlags(restoreCmd)

	deleteCmd := flaggy.NewSubcommand("snapshot-delete")
	deleteCmd.Description = "Delete a snapshot's archive and record"
	deleteCmd.String(&snapshotID, "s", "snapshot-id", "Snapshot to delete")
	addStorageFlags(deleteCmd)

	flaggy.AttachSubcommand(createCmd, 1)
	flaggy.AttachSubcommand(restoreCmd, 1)
	flaggy.AttachSubcommand(deleteCmd, 1)
	flaggy.Parse()

	appConfig, err := config.NewAppConfig("pinacle-snapshot", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		stdlog.Fatal(err.Error())
	}

	logger := log.NewLogger(appConfig)

	st, err := store.NewStore(logger, appConfig.API.DatabasePath)
	if err != nil {
		stdlog.Fatal(err.Error())
	}
	defer st.Close()

	provider, err := snapshot.NewProvider(context.Background(), storageConfig(appConfig.Snapshot))
	if err != nil {
		stdlog.Fatal(err.Error())
	}
	if provider == nil {
		stdlog.Fatal("no snapshot storage configured: pass --storage-type or set SNAPSHOT_S3_BUCKET or SNAPSHOT_STORAGE_PATH")
	}

	engine := snapshot.NewEngine(logger, st, provider, appConfig.Snapshot.Quiesce)
	engine.ConnectFn = func(ctx context.Context, server *models.Server) (host.Connection, error) {
		return host.NewConnection(logger, server, appConfig.SSH)
	}
	engine.RuntimeFn = func(conn host.Connection) podruntime.Runtime {
		return podruntime.NewCLIRuntime(logger, conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	switch {
	case createCmd.Used:
		if containerID == "" || snapshotID == "" {
			flaggy.ShowHelpAndExit("snapshot-create requires --container-id and --snapshot-id")
		}
		pod, err := st.GetPodByContainerID(containerID)
		if err != nil {
			finish(ctx, result{}, err)
		}
		snap, err := engine.CreateWithID(ctx, pod.ID, snapshotID)
		if err != nil {
			finish(ctx, result{}, err)
		}
		finish(ctx, result{StoragePath: snap.StoragePath, SizeBytes: snap.SizeBytes}, nil)

	case restoreCmd.Used:
		if snapshotID == "" || podID == "" {
			flaggy.ShowHelpAndExit("snapshot-restore requires --snapshot-id and --pod-id")
		}
		finish(ctx, result{}, engine.Restore(ctx, snapshotID, podID))

	case deleteCmd.Used:
		if snapshotID == "" {
			flaggy.ShowHelpAndExit("snapshot-delete requires --snapshot-id")
		}
		finish(ctx, result{}, deleteSnapshot(ctx, st, engine))

	default:
		flaggy.ShowHelpAndExit("a subcommand is required: snapshot-create, snapshot-restore, or snapshot-delete")
	}
}

func addStorageFlags(cmd *flaggy.Subcommand) {
	cmd.String(&storageType, "", "storage-type", "Storage backend: s3 or filesystem")
	cmd.String(&storagePath, "", "storage-path", "Base directory for filesystem storage")
	cmd.String(&s3Endpoint, "", "s3-endpoint", "Custom S3 endpoint for self-hosted object stores")
	cmd.String(&s3Bucket, "", "s3-bucket", "S3 bucket name")
	cmd.String(&s3Region, "", "s3-region", "S3 region")
	cmd.String(&s3AccessKey, "", "s3-access-key", "S3 access key")
	cmd.String(&s3SecretKey, "", "s3-secret-key", "S3 secret key")
}

// storageConfig resolves the provider configuration: flags override the
// environment, and --storage-type forces one backend.
func storageConfig(cfg config.SnapshotConfig) config.SnapshotConfig {
	if storagePath != "" {
		cfg.StoragePath = storagePath
	}
	if s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	switch storageType {
	case "s3":
		cfg.StoragePath = ""
	case "filesystem":
		cfg.S3Bucket = ""
	case "":
	default:
		stdlog.Fatalf("unknown --storage-type %q: want s3 or filesystem", storageType)
	}
	return cfg
}

func deleteSnapshot(ctx context.Context, st *store.Store, engine *snapshot.Engine) error {
	snap, err := st.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if err := engine.DeleteArchive(ctx, snap); err != nil {
		return err
	}
	return st.DeleteSnapshot(snap.ID)
}

// finish prints the result line and exits: 0 on success, 124 when the
// deadline killed the operation, 1 otherwise.
func finish(ctx context.Context, res result, err error) {
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	line, _ := json.Marshal(res)
	fmt.Println(string(line))

	switch {
	case err == nil:
		os.Exit(0)
	case ctx.Err() == context.DeadlineExceeded:
		os.Exit(host.ExitCodeTimeout)
	default:
		os.Exit(1)
	}
}
