package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/padsync/collab/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

The default url is:
    broker_url: ws://localhost:9001/mqtt

Usage:
    collabctl create [--url=<url>] --user=<user>
        [--secure] [--secret=<secret>]
        [<content>]
    collabctl join [--url=<url>] --user=<user>
        [--secure] [--secret=<secret>]
        <file_id>
    collabctl demo [--duration=<seconds>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Broker url (ws, wss, tcp, or ssl scheme).
    --user=<user>          Display name announced to other editors.
    --secure               Present a signed access token to the broker.
    --secret=<secret>      Broker secret. Prompted when omitted.
    --duration=<seconds>   Demo run time before teardown [default: 5].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	}
}

func brokerUrl(opts docopt.Opts) string {
	if url, err := opts.String("--url"); err == nil && url != "" {
		return url
	}
	return "ws://localhost:9001/mqtt"
}

func openSession(ctx context.Context, opts docopt.Opts) (*collab.Session, error) {
	user, _ := opts.String("--user")

	transport := collab.NewMqttTransportWithDefaults(brokerUrl(opts))
	session := collab.NewSessionWithDefaults(ctx, transport, user)

	secret, _ := opts.String("--secret")
	mode := collab.ModeStandard
	if secure_, _ := opts.Bool("--secure"); secure_ {
		mode = collab.ModeSecure
		if secret == "" {
			fmt.Print("Secret: ")
			secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return nil, err
			}
			secret = string(secretBytes)
		}
	}

	credentials, err := collab.NewCredentials(mode, user, session.ClientId(), secret, 1*time.Hour)
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx, credentials); err != nil {
		return nil, err
	}
	return session, nil
}

func watch(session *collab.Session) {
	session.AddStatusCallback(func(text string, severity collab.StatusSeverity) {
		Out.Printf("[%s] %s", severity, text)
	})
	session.AddPresenceCallback(func(event *collab.PresenceEvent) {
		Out.Printf("%q %s", event.User, event.Action)
	})
	session.AddDocumentChangeCallback(func(content string) {
		Out.Printf("document is now: %q", content)
	})
}

// create a document and host it: approve incoming edit requests and
// stream stdin lines into the shared register
func create(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := openSession(cancelCtx, opts)
	if err != nil {
		Err.Printf("connect failed (%s)", err)
		return
	}
	defer session.Close()
	watch(session)

	session.SetDecideFunction(func(requesterUsername string) bool {
		return true
	})
	session.AddGateDecisionCallback(func(requesterUsername string, approved bool) {
		Out.Printf("approved edit access for %q", requesterUsername)
	})

	content, _ := opts.String("<content>")
	fileId, err := session.CreateDocument(cancelCtx, content)
	if err != nil {
		Err.Printf("create failed (%s)", err)
		return
	}
	Out.Printf("file_id: %s", fileId)
	Out.Printf("type to edit, ctrl-d to leave")

	edit(cancelCtx, session)
}

// join an existing document by file id and edit it
func join(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fileIdStr, _ := opts.String("<file_id>")
	fileId, err := collab.ParseId(fileIdStr)
	if err != nil {
		Err.Printf("invalid file_id (%s)", err)
		return
	}

	session, err := openSession(cancelCtx, opts)
	if err != nil {
		Err.Printf("connect failed (%s)", err)
		return
	}
	defer session.Close()
	watch(session)

	outcome, err := session.JoinDocument(cancelCtx, fileId)
	if err != nil {
		Err.Printf("join failed (%s)", err)
		return
	}
	switch outcome {
	case collab.JoinGranted:
		Out.Printf("joined, type to edit, ctrl-d to leave")
	case collab.JoinDenied:
		Out.Printf("the owner denied edit access")
		return
	case collab.JoinTimeout:
		Out.Printf("no owner responded")
		return
	}

	edit(cancelCtx, session)
}

func edit(ctx context.Context, session *collab.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if err := session.Edit(line); err != nil {
			Err.Printf("edit failed (%s)", err)
		}
	}
	session.Leave(ctx)
}

// self-contained walkthrough against an in-process broker: an owner and
// a joiner converge, then the joiner vanishes uncleanly and the owner
// observes the testament
func demo(opts docopt.Opts) {
	duration := 5 * time.Second
	if seconds, err := opts.Int("--duration"); err == nil {
		duration = time.Duration(seconds) * time.Second
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := collab.NewMemoryBroker()
	defer broker.Close()

	settings := collab.DefaultSessionSettings()
	settings.PresenceSettings.WillDelay = 1 * time.Second

	owner := collab.NewSession(cancelCtx, broker.OpenTransport(), "owner", settings)
	defer owner.Close()
	if err := owner.Connect(cancelCtx, nil); err != nil {
		Err.Printf("owner connect failed (%s)", err)
		return
	}
	owner.SetDecideFunction(func(requesterUsername string) bool {
		Out.Printf("owner approves %q", requesterUsername)
		return true
	})
	owner.AddPresenceCallback(func(event *collab.PresenceEvent) {
		Out.Printf("owner sees: %q %s", event.User, event.Action)
	})
	owner.AddDocumentChangeCallback(func(content string) {
		Out.Printf("owner document: %q", content)
	})

	fileId, err := owner.CreateDocument(cancelCtx, "hello")
	if err != nil {
		Err.Printf("create failed (%s)", err)
		return
	}
	Out.Printf("owner created file %s", fileId)

	joiner := collab.NewSession(cancelCtx, broker.OpenTransport(), "joiner", settings)
	defer joiner.Close()
	if err := joiner.Connect(cancelCtx, nil); err != nil {
		Err.Printf("joiner connect failed (%s)", err)
		return
	}
	joiner.AddDocumentChangeCallback(func(content string) {
		Out.Printf("joiner document: %q", content)
	})

	outcome, err := joiner.JoinDocument(cancelCtx, fileId)
	if err != nil {
		Err.Printf("join failed (%s)", err)
		return
	}
	Out.Printf("join outcome: %s", outcome)
	if outcome != collab.JoinGranted {
		return
	}

	joiner.Edit("hello from the joiner")
	time.Sleep(500 * time.Millisecond)

	// the joiner vanishes without a clean disconnect
	Out.Printf("dropping the joiner connection")
	broker.DropTransport(joiner.ClientId())

	time.Sleep(duration)
	Out.Printf("final owner document: %q", owner.Content())
}
