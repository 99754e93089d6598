package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/boogy/m2m-auth/pkg/handler"
)

func main() {
	// Initialize all components using bootstrap
	bootstrap, err := handler.NewBootstrap(context.Background())
	if err != nil {
		panic(err)
	}

	albHandler := handler.NewAwsApplicationLoadBalancerFromBootstrap(bootstrap)

	lambda.Start(func(ctx context.Context, event events.ALBTargetGroupRequest) (events.ALBTargetGroupResponse, error) {
		defer bootstrap.Cleanup(ctx)
		return albHandler.Handler(ctx, event)
	})
}
