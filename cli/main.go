package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nzlov/swchat/client"
)

var (
	addr     = flag.String("addr", "localhost:8080", "node address")
	email    = flag.String("email", "", "email")
	password = flag.String("password", "", "password")
	name     = flag.String("name", "", "display name (signup)")
	signup   = flag.Bool("signup", false, "create the account first")
	verbose  = flag.Bool("v", false, "verbose logging")
)

// termNotifier renders "OS notifications" on the terminal.
type termNotifier struct{}

func (termNotifier) CreateChannel(ch client.Channel) error { return nil }

func (termNotifier) Display(n client.Notification, channelID string) error {
	fmt.Printf("\a== %s: %s\n", n.Title, n.Body)
	return nil
}

func (termNotifier) RequestPermission(ctx context.Context) error { return nil }

func main() {
	flag.Parse()

	level := zapcore.WarnLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	log, _ := cfg.Build()
	zap.ReplaceGlobals(log)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "email and password required")
		os.Exit(1)
	}

	ctx := context.Background()

	remote, err := client.Dial(ctx, *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer remote.Close()

	notifier := termNotifier{}
	channels := client.NewChannelManager(notifier)
	tokens := client.NewTokenManager(remote, remote)
	dispatcher := client.NewDispatcher(channels, notifier, client.DefaultChannel)

	notifier.RequestPermission(ctx)
	channels.Ensure(client.DefaultChannel)
	msgSub := dispatcher.Attach(remote)
	defer msgSub.Unsubscribe()

	session := client.NewSessionController(remote, tokens)
	sessSub := session.Start(ctx)
	defer sessSub.Unsubscribe()
	<-session.Ready()

	if *signup {
		err = session.SignUp(ctx, *email, *password, *name)
	} else {
		err = session.SignIn(ctx, *email, *password)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign in:", err)
		os.Exit(1)
	}
	userID, _ := session.Current()
	author := client.Author{
		ID:     userID,
		Name:   *name,
		Avatar: "https://placekitten.com/140/140",
	}
	if author.Name == "" {
		author.Name = *email
	}

	engine := client.NewSyncEngine(remote)
	last := ""
	engine.OnUpdate = func(msgs []client.Message) {
		// Print only what arrived since the previous snapshot.
		fresh := make([]client.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.ID == last {
				break
			}
			fresh = append(fresh, m)
		}
		for i := len(fresh) - 1; i >= 0; i-- {
			m := fresh[i]
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Author.Name, m.Text)
		}
		if len(msgs) > 0 {
			last = msgs[0].ID
		}
	}
	engine.OnError = func(err error) {
		fmt.Fprintln(os.Stderr, "sync:", err)
	}
	engine.OnSendFailed = func(doc client.Document, err error) {
		fmt.Fprintf(os.Stderr, "not sent: %q (%v)\n", doc.Text, err)
	}
	if err := engine.Subscribe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}
	defer engine.Unsubscribe()

	fmt.Println("connected, type messages (/quit to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/quit" {
			break
		}
		engine.Send(ctx, line, author)
	}

	engine.Unsubscribe()
	session.SignOut(ctx)
}
