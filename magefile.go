// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build mage

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/livekit/egress-control/version"
	"github.com/livekit/mageutil"
)

const (
	binary      = "bin/egress-control"
	imageName   = "livekit/egress-control"
	dockerBuild = "docker build"
)

var Default = Build

func Build() error {
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	return mageutil.Run(context.Background(),
		fmt.Sprintf("go build -o %s ./cmd/server", binary),
	)
}

func Test() error {
	return mageutil.Run(context.Background(), "go test -race ./...")
}

func Lint() error {
	if _, err := mageutil.GetToolPath("golangci-lint"); err != nil {
		return err
	}
	return mageutil.Run(context.Background(), "golangci-lint run ./...")
}

func Docker() error {
	return mageutil.Run(context.Background(),
		fmt.Sprintf("%s -t %s:latest -t %s:v%s .", dockerBuild, imageName, imageName, version.Version),
	)
}
