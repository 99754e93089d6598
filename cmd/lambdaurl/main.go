package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/boogy/m2m-auth/pkg/handler"
)

var bootstrap *handler.Bootstrap

func init() {
	var err error
	bootstrap, err = handler.NewBootstrap(context.Background())
	if err != nil {
		panic(err)
	}
}

func main() {
	urlHandler := handler.NewAwsLambdaUrlFromBootstrap(bootstrap)

	lambda.Start(func(ctx context.Context, event events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
		defer bootstrap.Cleanup(ctx)
		return urlHandler.Handler(ctx, event)
	})
}
