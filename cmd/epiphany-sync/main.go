// Command epiphany-sync is a debug harness for the sync engine: it
// wires a Service to in-memory settings/vault stores and the three
// browser managers, signs in with credentials read from the command
// line, runs one sync pass, and prints every signal it emits. A small
// standalone way to exercise the core by hand.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GNOME/epiphany-sub000/config"
	xcrypto "github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/managers"
	"github.com/GNOME/epiphany-sub000/secretvault"
	"github.com/GNOME/epiphany-sub000/settings"
	"github.com/GNOME/epiphany-sub000/syncservice"
)

func errorAndExit(format string, vals ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", vals...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 6 {
		fmt.Printf("Usage: %s <email> <uid> <session-token-hex> <key-fetch-token-hex> <unwrap-kb-hex>\n", os.Args[0])
		os.Exit(1)
	}

	email, uid := os.Args[1], os.Args[2]
	sessionToken, err := xcrypto.DecodeHex(os.Args[3])
	if err != nil {
		errorAndExit("bad session token: %s", err)
	}
	keyFetchToken, err := xcrypto.DecodeHex(os.Args[4])
	if err != nil {
		errorAndExit("bad key fetch token: %s", err)
	}
	var unwrapKB []byte
	if len(os.Args) > 5 {
		unwrapKB, err = xcrypto.DecodeHex(os.Args[5])
		if err != nil {
			errorAndExit("bad unwrap kB: %s", err)
		}
	}

	log := logrus.StandardLogger()
	lvl, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	svc := syncservice.New(syncservice.Options{
		HTTPClient:  &http.Client{Timeout: config.HTTPTimeout},
		UserAgent:   config.UserAgent,
		FxAHost:     config.FxA.Host,
		TokenServer: config.TokenServer.URL,
		Vault:       secretvault.NewMemVault(),
		Settings:    settings.NewMemStore(),
		Log:         log,
		Application: "Epiphany",
		OS:          "Linux",
	})
	svc.SetSignalHandler(func(sig syncservice.Signal) {
		log.WithFields(logrus.Fields{
			"kind":       sig.Kind,
			"collection": sig.Collection,
			"record":     sig.RecordID,
		}).Info("sync signal")
	})

	svc.RegisterManager(managers.NewHistoryManager())
	svc.RegisterManager(managers.NewBookmarksManager())
	svc.RegisterManager(managers.NewOpenTabsManager(uid, "Epiphany on Linux"))

	if err := svc.SignIn(email, uid, sessionToken, keyFetchToken, unwrapKB); err != nil {
		errorAndExit("sign-in failed: %s", err)
	}

	svc.SyncAll()
	svc.StartPeriodicSync(time.Duration(config.MinSyncIntervalMinutes) * time.Minute)

	select {}
}
