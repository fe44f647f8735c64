package commands

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/haivivi/respsel/pkg/cli"
	"github.com/haivivi/respsel/pkg/storage"
)

const defaultRegion = "us-east-1"

// openStore opens location, a directory or an s3://bucket/prefix URL.
// An empty location falls back to the context store, then to
// ~/.respsel/respsel/models.
func openStore(location string, sc *cli.Context) (storage.FileStore, string, error) {
	if location == "" && sc != nil {
		location = sc.Store
	}
	if location == "" {
		paths, err := cli.NewPaths(appName)
		if err != nil {
			return nil, "", err
		}
		location = paths.ModelsDir()
	}
	if !strings.HasPrefix(location, "s3://") {
		fs, err := storage.NewLocal(location)
		if err != nil {
			return nil, "", err
		}
		return fs, location, nil
	}
	bucket, prefix, err := storage.ParseS3URL(location)
	if err != nil {
		return nil, "", err
	}
	return storage.NewS3(newS3Client(sc), bucket, prefix), location, nil
}

// newS3Client builds a client from the context, falling back to the
// standard AWS environment variables.
func newS3Client(sc *cli.Context) *s3.Client {
	var c cli.Context
	if sc != nil {
		c = *sc
	}
	region := firstNonEmpty(c.Region, os.Getenv("AWS_REGION"), defaultRegion)
	endpoint := firstNonEmpty(c.Endpoint, os.Getenv("AWS_ENDPOINT_URL"))
	creds := aws.Credentials{
		AccessKeyID:     firstNonEmpty(c.AccessKey, os.Getenv("AWS_ACCESS_KEY_ID")),
		SecretAccessKey: firstNonEmpty(c.SecretKey, os.Getenv("AWS_SECRET_ACCESS_KEY")),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          appName,
	}

	opts := s3.Options{Region: region}
	if creds.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
