package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/meltwater/blobsign/auth"
	"github.com/meltwater/blobsign/config"
	"github.com/meltwater/blobsign/sas"
)

func main() {
	app := &cli.App{
		Name:  "blobsign",
		Usage: "sign Azure Blob Storage requests and mint SAS URLs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "storage account name", EnvVars: []string{"AZURE_STORAGE_ACCOUNT"}},
			&cli.StringFlag{Name: "key", Usage: "storage account key (base64)", EnvVars: []string{"AZURE_STORAGE_ACCESS_KEY"}},
			&cli.StringFlag{Name: "connection-string", Usage: "storage connection string", EnvVars: []string{"AZURE_STORAGE_CONNECTION_STRING"}},
			&cli.StringFlag{Name: "client-id", Usage: "service principal or managed identity client ID", EnvVars: []string{"AZURE_CLIENT_ID"}},
			&cli.StringFlag{Name: "client-secret", Usage: "service principal client secret", EnvVars: []string{"AZURE_CLIENT_SECRET"}},
			&cli.StringFlag{Name: "tenant-id", Usage: "directory tenant ID", EnvVars: []string{"AZURE_TENANT_ID"}},
			&cli.StringFlag{Name: "federated-token-file", Usage: "path to a federated identity token", EnvVars: []string{"AZURE_FEDERATED_TOKEN_FILE"}},
			&cli.StringFlag{Name: "blob-url", Usage: "blob endpoint override", EnvVars: []string{"AZURE_STORAGE_BLOB_URL"}},
			&cli.StringFlag{Name: "authority-host", Usage: "token authority override", EnvVars: []string{"AZURE_AUTHORITY_HOST"}},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging", EnvVars: []string{"BLOBSIGN_DEBUG"}},
			&cli.DurationFlag{Name: "timeout", Usage: "HTTP timeout", Value: 30 * time.Second},
		},
		Commands: []*cli.Command{
			{
				Name:  "sas",
				Usage: "print a shared access signature URL",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "container", Usage: "container name", Required: true},
					&cli.StringFlag{Name: "resource", Usage: "resource path within the container", Value: "/"},
					&cli.StringFlag{Name: "type", Usage: "resource type letter (b, bv, bs, c, d)", Value: string(sas.ResourceContainer)},
					&cli.StringFlag{Name: "permissions", Usage: "permission letters, e.g. rwl", Value: string(sas.PermissionRead)},
					&cli.DurationFlag{Name: "expiry", Usage: "validity window", Value: auth.DefaultSASExpiry},
				},
				Action: sasAction,
			},
			{
				Name:  "headers",
				Usage: "print the authentication headers for a request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "method", Usage: "HTTP method", Value: http.MethodGet},
					&cli.StringFlag{Name: "url", Usage: "request URL", Required: true},
					&cli.StringFlag{Name: "content-type", Usage: "request content type"},
				},
				Action: headersAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newClient(c *cli.Context) (*auth.Client, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if c.Bool("debug") {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg := config.Config{
		AccountName:        c.String("account"),
		AccountKey:         c.String("key"),
		ConnectionString:   c.String("connection-string"),
		ClientID:           c.String("client-id"),
		ClientSecret:       c.String("client-secret"),
		TenantID:           c.String("tenant-id"),
		FederatedTokenFile: c.String("federated-token-file"),
		BlobStorageURL:     c.String("blob-url"),
		AuthBaseURL:        c.String("authority-host"),
	}

	return cfg.Client(logger, &http.Client{Timeout: c.Duration("timeout")})
}

func sasAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}

	perms, err := sas.ParsePermissions(c.String("permissions"))
	if err != nil {
		return err
	}

	url, err := client.SASURL(c.Context, c.String("container"), c.String("resource"), &auth.SASOptions{
		Resource:    sas.Resource(c.String("type")),
		Permissions: perms,
		Expiry:      c.Duration("expiry"),
	})
	if err != nil {
		return err
	}

	fmt.Println(url)

	return nil
}

func headersAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(c.Context, c.String("method"), c.String("url"), nil)
	if err != nil {
		return err
	}

	if err := client.Authorize(req, c.String("content-type")); err != nil {
		return err
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, value := range req.Header[name] {
			fmt.Printf("%s: %s\n", name, value)
		}
	}

	return nil
}
