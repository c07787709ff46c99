package prewarm

import "fmt"

// popularItems 列出各类上游最常被请求的条目，用于批量预热种子。
var popularItems = map[string][]string{
	"docker": {
		"library/alpine:latest",
		"library/ubuntu:latest",
		"library/debian:latest",
		"library/nginx:latest",
		"library/python:3.10",
		"library/node:20",
		"library/redis:alpine",
		"library/mysql:8",
		"library/postgres:15",
	},
	"pypi": {
		"requests",
		"numpy",
		"pandas",
		"flask",
		"django",
		"pytest",
		"black",
	},
	"npm": {
		"react",
		"vue",
		"lodash",
		"express",
		"axios",
		"typescript",
		"vite",
		"eslint",
	},
	"apt": {
		"ubuntu-standard",
		"nginx",
		"python3-pip",
		"nodejs",
		"docker.io",
	},
	"yum": {
		"epel-release",
	},
	"golang": {
		"golang.org/x/tools",
		"github.com/gin-gonic/gin",
		"github.com/gorilla/mux",
	},
}

// PopularItems 返回指定类型的热门条目名，未知类型返回空。
func PopularItems(kind string) []string {
	return popularItems[kind]
}

// popularPath 把条目名换算成该类型上游实际会被请求的路径。
func popularPath(kind, item string) string {
	switch kind {
	case "docker":
		name, tag := item, "latest"
		for i := len(item) - 1; i >= 0; i-- {
			if item[i] == ':' {
				name, tag = item[:i], item[i+1:]
				break
			}
			if item[i] == '/' {
				break
			}
		}
		return fmt.Sprintf("v2/%s/manifests/%s", name, tag)
	case "pypi":
		return fmt.Sprintf("simple/%s/", item)
	case "apt":
		return fmt.Sprintf("dists/%s/InRelease", item)
	case "yum":
		return "repodata/repomd.xml"
	case "golang":
		return fmt.Sprintf("%s/@latest", item)
	default:
		// npm 等直接把条目名当路径。
		return item
	}
}
