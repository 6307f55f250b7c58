package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sharewave/config"
	"sharewave/discovery"
	"sharewave/logging"
	"sharewave/models"
	"sharewave/relay"
	"sharewave/session"
	"sharewave/signaling"
	"sharewave/storage"
	"sharewave/transfer"
)

const usage = `usage: sharewave <command> [flags]

commands:
  send FILE...          open a room and send files to whoever joins it
  receive LINK|ROOM_ID  join a room and save the files sent through it
  relay                 serve a signaling store over WebSocket
  rooms                 list rooms announced on the local network
  history               list recorded transfers

Run "sharewave <command> --help" for the flags of a command.
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "send":
		err = runSend(ctx, args)
	case "receive":
		err = runReceive(ctx, args)
	case "relay":
		err = runRelay(ctx, args)
	case "rooms":
		err = runRooms(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "sharewave: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharewave: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by every command: configuration, logger and the
// SQLite database used for transfer history and the sqlite backend.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	flags  *pflag.FlagSet

	db      *storage.Store
	closers []func()
}

func setup(name string, args []string, extra func(*pflag.FlagSet)) (*app, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	config.RegisterFlags(flags)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputDir)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger.With(zap.String("instance_id", cfg.InstanceID)),
		flags:  flags,
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *app) database() (*storage.Store, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := storage.OpenPath(a.cfg.Signaling.SQLitePath, storage.Options{Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	})
	return db, nil
}

// openStore builds the signaling store for backend.
func (a *app) openStore(ctx context.Context, backend string) (signaling.Store, error) {
	switch backend {
	case config.BackendMemory:
		return signaling.NewMemoryStore(), nil

	case config.BackendSQLite:
		db, err := a.database()
		if err != nil {
			return nil, err
		}
		return signaling.NewLocalStore(db, a.logger), nil

	case config.BackendRedis:
		redisCfg := a.cfg.Signaling.Redis
		store, err := signaling.NewRedisStore(ctx, signaling.RedisOptions{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil

	case config.BackendRelay:
		client, err := relay.Dial(ctx, a.cfg.Signaling.RelayURL, relay.ClientOptions{Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return client, nil

	default:
		return nil, fmt.Errorf("unknown signaling backend %q", backend)
	}
}

func (a *app) sessionOptions(store signaling.Store, role signaling.Role) (session.Options, error) {
	switch a.cfg.Signaling.Backend {
	case config.BackendMemory, config.BackendSQLite:
		a.logger.Warn("signaling backend only reaches peers in this process",
			zap.String("backend", a.cfg.Signaling.Backend))
	}

	db, err := a.database()
	if err != nil {
		return session.Options{}, err
	}

	chunkDelay := a.cfg.Transfer.ChunkDelay
	if chunkDelay == 0 {
		chunkDelay = -1
	}
	return session.Options{
		Store:           store,
		Role:            role,
		ShareOrigin:     a.cfg.ShareOrigin,
		ICEServers:      a.cfg.ICEServers,
		IncludeLoopback: a.cfg.Transfer.IncludeLoopback,
		DownloadDir:     a.cfg.Transfer.DownloadDir,
		ChunkDelay:      chunkDelay,
		TeardownGrace:   a.cfg.Signaling.TeardownGrace,
		History:         db,
		Logger:          a.logger,
	}, nil
}

func runSend(ctx context.Context, args []string) error {
	var seal bool
	a, err := setup("send", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&seal, "seal", true, "encrypt signaling artifacts with a secret carried in the share link")
	})
	if err != nil {
		return err
	}
	defer a.close()

	paths := a.flags.Args()
	if len(paths) == 0 {
		return errors.New("send: at least one file is required")
	}
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("send: %s is a directory", path)
		}
		total += info.Size()
	}

	store, err := a.openStore(ctx, a.cfg.Signaling.Backend)
	if err != nil {
		return err
	}
	opts, err := a.sessionOptions(store, signaling.RoleInitiator)
	if err != nil {
		return err
	}
	opts.Seal = seal

	sess, err := session.New(opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Sharing %d file(s), %s\n", len(paths), transfer.FormatFileSize(total))
	fmt.Printf("Share link: %s\n", sess.ShareLink())

	if a.cfg.Discovery.Announce {
		announcer, err := discovery.StartAnnouncer(discovery.Config{
			InstanceID: a.cfg.InstanceID,
			Name:       a.cfg.DisplayName,
			Port:       a.cfg.Discovery.Port,
			Logger:     a.logger,
		}, discovery.Announcement{RoomID: sess.RoomID(), ShareURL: sess.ShareLink()})
		if err != nil {
			a.logger.Warn("LAN announcement failed", zap.Error(err))
		} else {
			defer announcer.Stop()
			fmt.Println("Announced on the local network")
		}
	}

	go printEvents(sess.Events())

	sent, err := sess.SendPaths(ctx, paths...)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %d file(s)\n", len(sent))
	return nil
}

func runReceive(ctx context.Context, args []string) error {
	a, err := setup("receive", args, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if a.flags.NArg() != 1 {
		return errors.New("receive: expected exactly one share link or room ID")
	}
	roomID, secret, err := signaling.ParseShareLink(a.flags.Arg(0))
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx, a.cfg.Signaling.Backend)
	if err != nil {
		return err
	}
	opts, err := a.sessionOptions(store, signaling.RoleResponder)
	if err != nil {
		return err
	}
	opts.RoomID = roomID
	opts.Secret = secret

	sess, err := session.New(opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Joined room %s, saving to %s\n", roomID, a.cfg.Transfer.DownloadDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sess.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
			if changed, isStatus := ev.(session.StatusChanged); isStatus {
				switch changed.Status {
				case session.StatusDisconnected:
					return nil
				case session.StatusFailed:
					return changed.Err
				}
			}
		}
	}
}

func runRelay(ctx context.Context, args []string) error {
	a, err := setup("relay", args, nil)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openStore(ctx, a.cfg.Signaling.RelayStore)
	if err != nil {
		return err
	}

	server := relay.NewServer(store, relay.ServerOptions{Logger: a.logger})
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	httpServer := &http.Server{
		Addr:              a.cfg.Signaling.RelayListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := signaling.NewSweeper(store, signaling.SweeperOptions{
		Retention: a.cfg.Signaling.Retention,
		Interval:  a.cfg.Signaling.SweepInterval,
		Logger:    a.logger,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("room sweeper stopped", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	a.logger.Info("relay listening",
		zap.String("addr", a.cfg.Signaling.RelayListen),
		zap.String("store", a.cfg.Signaling.RelayStore),
	)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Close()
	return httpServer.Shutdown(shutdownCtx)
}

func runRooms(ctx context.Context, args []string) error {
	var (
		watch   bool
		timeout time.Duration
	)
	a, err := setup("rooms", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&watch, "watch", false, "keep scanning and print changes")
		fs.DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long one scan listens")
	})
	if err != nil {
		return err
	}
	defer a.close()

	scanner, err := discovery.NewRoomScanner(discovery.Config{
		InstanceID:  a.cfg.InstanceID,
		ScanTimeout: timeout,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	defer scanner.Stop()

	if !watch {
		rooms, err := scanner.Scan(ctx)
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms announced on the local network")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tROOM\tADDRESSES\tLINK")
		for _, room := range rooms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", room.Name, room.RoomID, strings.Join(room.Addresses, ","), room.ShareURL)
		}
		return w.Flush()
	}

	scanner.Start()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventRoomUpserted:
				fmt.Printf("+ %s %s %s\n", event.Room.Name, event.Room.RoomID, event.Room.ShareURL)
			case discovery.EventRoomRemoved:
				fmt.Printf("- %s %s\n", event.Room.Name, event.Room.RoomID)
			}
		}
	}
}

func runHistory(ctx context.Context, args []string) error {
	var (
		roomID string
		limit  int
	)
	a, err := setup("history", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&roomID, "room", "", "only show transfers of this room")
		fs.IntVar(&limit, "limit", 20, "maximum number of records")
	})
	if err != nil {
		return err
	}
	defer a.close()

	db, err := a.database()
	if err != nil {
		return err
	}
	records, err := db.ListTransfers(ctx, roomID, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UPDATED\tDIRECTION\tSTATUS\tSIZE\tNAME\tROOM")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(record.UpdatedAt).Format(time.DateTime),
			record.Direction,
			record.Status,
			transfer.FormatFileSize(record.FileSize),
			record.FileName,
			record.RoomID,
		)
	}
	return w.Flush()
}

func printEvents(events <-chan session.Event) {
	for ev := range events {
		printEvent(ev)
	}
}

func printEvent(ev session.Event) {
	switch ev := ev.(type) {
	case session.StatusChanged:
		if ev.Err != nil {
			fmt.Printf("Status: %s (%v)\n", ev.Status, ev.Err)
			return
		}
		fmt.Printf("Status: %s\n", ev.Status)
	case session.ProgressUpdated:
		p := ev.Progress
		if p.Status == models.TransferCompleted || p.Status == models.TransferFailed {
			fmt.Printf("%s %s: %s (%s)\n", p.Direction, p.FileName, p.Status, transfer.FormatFileSize(p.TotalBytes))
		}
	case session.FileReceived:
		if ev.Path != "" {
			fmt.Printf("Saved %s\n", ev.Path)
		}
	case session.FileSent:
		fmt.Printf("Queued %s (%s)\n", ev.Metadata.Name, transfer.FormatFileSize(ev.Metadata.Size))
	}
}
