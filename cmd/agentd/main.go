// Command agentd is the compute-node agent: it decodes inbound task
// messages and drives the download, upload, job, deploy, and
// collect-output executors defined under internal/.
package main

func main() {
	Execute()
}
