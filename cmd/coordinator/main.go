// Command coordinator runs and inspects master nodes of the workflow cluster.
package main

func main() {
	Execute()
}
