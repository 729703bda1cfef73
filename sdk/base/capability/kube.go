package capability

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// ClientFactory returns a Kubernetes client for a cluster context id.
type ClientFactory func(clusterID string) (kubernetes.Interface, error)

// KubeconfigClients treats cluster ids as kubeconfig context names. An empty
// path uses the default loading rules ($KUBECONFIG, ~/.kube/config).
func KubeconfigClients(path string) ClientFactory {
	return func(clusterID string) (kubernetes.Interface, error) {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if path != "" {
			rules.ExplicitPath = path
		}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: clusterID}
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("kubeconfig context %q: %w", clusterID, err)
		}
		return kubernetes.NewForConfig(cfg)
	}
}

// APIGroupPredicate enables an extension on clusters serving group (and
// version, when non-empty).
func APIGroupPredicate(clients ClientFactory, group, version string) Predicate {
	return func(ctx context.Context, clusterID string) (bool, error) {
		cs, err := clients(clusterID)
		if err != nil {
			return false, err
		}
		groups, err := serverGroups(ctx, cs.Discovery())
		if err != nil {
			return false, fmt.Errorf("discover groups on %q: %w", clusterID, err)
		}
		for _, g := range groups.Groups {
			if g.Name != group {
				continue
			}
			if version == "" {
				return true, nil
			}
			for _, v := range g.Versions {
				if v.Version == version {
					return true, nil
				}
			}
		}
		return false, nil
	}
}

// serverGroups lists the named API groups of a cluster. The request carries
// ctx so a hung API server does not outlive the gate.
func serverGroups(ctx context.Context, d discovery.DiscoveryInterface) (*metav1.APIGroupList, error) {
	rc := d.RESTClient()
	if rc == nil {
		// Fake discovery clients have no transport.
		return d.ServerGroups()
	}
	groups := &metav1.APIGroupList{}
	if err := rc.Get().AbsPath("/apis").Do(ctx).Into(groups); err != nil {
		if apierrors.IsNotFound(err) {
			return &metav1.APIGroupList{}, nil
		}
		return nil, err
	}
	return groups, nil
}
