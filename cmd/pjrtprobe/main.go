// Copyright 2024 Google LLC
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

// pjrtprobe loads a PJRT plugin, negotiates the API version, and
// initializes it. The plugin is selected with the PJRT_PLUGIN
// environment variable and defaults to libtpu.so.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/gx-org/pjrthost/pjrt"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	name := os.Getenv("PJRT_PLUGIN")
	if name == "" {
		name = "libtpu.so"
	}
	plugin, err := pjrt.GetPlugin(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load PJRT plugin %q: %v\n", name, err)
		os.Exit(1)
	}
	fmt.Printf("done: %s\n", plugin.Path())
}
