package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/Craftycoolgamer/canvassing-platform-sub000/canvass"
)

const DefaultApiUrl = "https://api.canvassing.example.com"
const DefaultHubUrl = "wss://api.canvassing.example.com"

const Version = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`Canvassing platform client.

The default urls are:
    api_url: %s
    hub_url: %s

Usage:
    canvassctl watch [--token=<token>] [--company=<company_id>] [--admin]
        [--api_url=<api_url>] [--hub_url=<hub_url>] [--storage_dir=<storage_dir>]
    canvassctl sync [--token=<token>]
        [--api_url=<api_url>] [--hub_url=<hub_url>] [--storage_dir=<storage_dir>]
    canvassctl list (businesses | companies | users) [--token=<token>]
        [--api_url=<api_url>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --token=<token>              Bearer token. Prompted when omitted.
    --company=<company_id>       Join this company's broadcast group.
    --admin                      Join the admin broadcast group.
    --api_url=<api_url>
    --hub_url=<hub_url>
    --storage_dir=<storage_dir>  Offline snapshot location.`,
		DefaultApiUrl,
		DefaultHubUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		syncAll(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	}
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	auth := optAuth(opts)
	store, connection, storage := newStore(cancelCtx, opts, auth)
	defer storage.Close()

	token, _ := auth.Token(cancelCtx)
	if byJwt, err := canvass.ParseByJwtUnverified(token); err == nil {
		fmt.Printf("user_id: %s role: %s\n", byJwt.UserId, byJwt.Role)
	}

	if err := connection.Connect(cancelCtx); err != nil {
		// not fatal. the retry loop keeps going in the background.
		fmt.Printf("connect error (retrying in background): %s\n", err)
	}

	if admin_, _ := opts.Bool("--admin"); admin_ {
		if err := connection.JoinAdminGroup(cancelCtx); err != nil {
			fmt.Printf("join admin group error: %s\n", err)
		}
	}

	unsubState := connection.AddStateChangeCallback(func(state canvass.ConnectionState) {
		fmt.Printf("connection: %s\n", state)
	})
	defer unsubState()

	unsub := store.Subscribe(func(update *canvass.StoreUpdate) {
		fmt.Printf(
			"%s changed: %d companies, %d businesses, %d users\n",
			update.Topic,
			len(update.State.Companies),
			len(update.State.Businesses),
			len(update.State.Users),
		)
	})
	defer unsub()

	if err := store.SyncAll(cancelCtx); err != nil {
		fmt.Printf("sync error: %s\n", err)
	}

	if companyIdStr, ok := opts["--company"].(string); ok && companyIdStr != "" {
		companyId, err := canvass.ParseId(companyIdStr)
		if err != nil {
			fmt.Printf("bad company id: %s\n", err)
			os.Exit(1)
		}
		if company, ok := store.GetCompany(companyId); ok {
			store.SetSelectedCompany(cancelCtx, company)
		} else {
			fmt.Printf("company %s not in cache\n", companyId)
		}
	}

	<-cancelCtx.Done()

	store.Close()
	connection.Close()
	os.Exit(0)
}

func syncAll(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auth := optAuth(opts)
	store, connection, storage := newStore(cancelCtx, opts, auth)
	defer storage.Close()
	defer connection.Close()
	defer store.Close()

	if err := store.SyncAll(cancelCtx); err != nil {
		fmt.Printf("sync error: %s\n", err)
		os.Exit(1)
	}

	state := store.GetState()
	fmt.Printf(
		"synced %d companies, %d businesses, %d users\n",
		len(state.Companies),
		len(state.Businesses),
		len(state.Users),
	)
}

func list(opts docopt.Opts) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auth := optAuth(opts)
	api := canvass.NewCanvassApi(cancelCtx, optApiUrl(opts), auth)
	defer api.Close()

	if businesses_, _ := opts.Bool("businesses"); businesses_ {
		callback, c := canvass.NewBlockingApiCallback[[]*canvass.Business]()
		api.GetAllBusinesses(callback)
		r := <-c
		exitOnError(r.Error)
		for _, business := range r.Result {
			assigned := "unassigned"
			if business.AssignedUserId != nil {
				assigned = business.AssignedUserId.String()
			}
			fmt.Printf("%s  %-24s %-14s %s\n", business.Id, business.Name, business.Status, assigned)
		}
	} else if companies_, _ := opts.Bool("companies"); companies_ {
		callback, c := canvass.NewBlockingApiCallback[[]*canvass.Company]()
		api.GetAllCompanies(callback)
		r := <-c
		exitOnError(r.Error)
		for _, company := range r.Result {
			fmt.Printf("%s  %-24s %s %s\n", company.Id, company.Name, company.PinIcon, company.Color)
		}
	} else if users_, _ := opts.Bool("users"); users_ {
		callback, c := canvass.NewBlockingApiCallback[[]*canvass.User]()
		api.GetAllUsers(callback)
		r := <-c
		exitOnError(r.Error)
		for _, user := range r.Result {
			fmt.Printf("%s  %-24s %-8s %s\n", user.Id, user.Username, user.Role, user.Email)
		}
	}
}

func newStore(ctx context.Context, opts docopt.Opts, auth canvass.AuthService) (*canvass.DataStore, *canvass.ConnectionManager, canvass.Storage) {
	storage, err := canvass.NewBadgerStorage(optStorageDir(opts))
	if err != nil {
		fmt.Printf("storage error: %s\n", err)
		os.Exit(1)
	}

	connection := canvass.NewConnectionManagerWithDefaults(ctx, optHubUrl(opts)+canvass.HubPath, auth)
	api := canvass.NewCanvassApi(ctx, optApiUrl(opts), auth)
	store := canvass.NewDataStore(ctx, connection, api, storage)
	return store, connection, storage
}

func optAuth(opts docopt.Opts) *canvass.StaticAuth {
	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		fmt.Print("Token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		token = string(tokenBytes)
	}
	return canvass.NewStaticAuth(token)
}

func optApiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return DefaultApiUrl
}

func optHubUrl(opts docopt.Opts) string {
	if hubUrlAny := opts["--hub_url"]; hubUrlAny != nil {
		return hubUrlAny.(string)
	}
	return DefaultHubUrl
}

func optStorageDir(opts docopt.Opts) string {
	if storageDirAny := opts["--storage_dir"]; storageDirAny != nil {
		return storageDirAny.(string)
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, "canvassctl")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
}
