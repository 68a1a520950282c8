package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"authrelay/pkg/logging"
)

const (
	// secretNamePrefix prefixes every credential Secret managed by authrelay.
	secretNamePrefix = "authrelay-cred-"

	// secretDataKey is the Secret data key holding the credential JSON.
	secretDataKey = "credential"

	// managedByLabel marks Secrets owned by this store.
	managedByLabel = "app.kubernetes.io/managed-by"

	// userHashLabel carries the hashed user ID for list lookups. Hashed
	// because user IDs (emails) are not valid label values and should not
	// appear in object metadata in the clear.
	userHashLabel = "authrelay.io/user-hash"

	// providerAnnotation records the provider on the Secret for operators.
	providerAnnotation = "authrelay.io/provider"

	managedByValue = "authrelay"
)

// KubernetesStore persists each credential as one Secret. Overwrites create
// a new resourceVersion, so the secret manager's own rotation/versioning
// applies to every refresh. Intended for in-cluster production deployments.
type KubernetesStore struct {
	client    client.Client
	namespace string
}

// NewKubernetesStore creates a Secret-backed credential store.
func NewKubernetesStore(k8sClient client.Client, namespace string) *KubernetesStore {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesStore{
		client:    k8sClient,
		namespace: namespace,
	}
}

func (s *KubernetesStore) secretName(userID, provider string) string {
	return secretNamePrefix + credKey(userID, provider)
}

func (s *KubernetesStore) buildSecret(userID, provider string, data []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.secretName(userID, provider),
			Namespace: s.namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				userHashLabel:  userKey(userID),
			},
			Annotations: map[string]string{
				providerAnnotation: provider,
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			secretDataKey: data,
		},
	}
}

// Store creates or overwrites the credential Secret.
func (s *KubernetesStore) Store(ctx context.Context, userID, provider string, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	secret := s.buildSecret(userID, provider, data)

	existing := &corev1.Secret{}
	err = s.client.Get(ctx, client.ObjectKey{Name: secret.Name, Namespace: s.namespace}, existing)
	switch {
	case apierrors.IsNotFound(err):
		if err := s.client.Create(ctx, secret); err != nil {
			return fmt.Errorf("failed to create credential secret: %w", err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		existing.Labels = secret.Labels
		existing.Annotations = secret.Annotations
		existing.Data = secret.Data
		if err := s.client.Update(ctx, existing); err != nil {
			return fmt.Errorf("failed to update credential secret: %w", err)
		}
	}

	logging.Audit(logging.AuditEvent{
		Action:   "credential_store",
		Outcome:  "success",
		UserID:   userID,
		Provider: provider,
	})
	return nil
}

// Get retrieves the credential, applying the shared expiry semantics.
func (s *KubernetesStore) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	secret := &corev1.Secret{}
	err := s.client.Get(ctx, client.ObjectKey{Name: s.secretName(userID, provider), Namespace: s.namespace}, secret)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	cred, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}

	out, del := evaluateExpiry(cred, time.Now())
	if del {
		if err := s.Delete(ctx, userID, provider); err != nil {
			return nil, err
		}
		logging.Debug("CredStore", "Purged expired credential secret for user=%s provider=%s",
			logging.TruncateID(userID), provider)
		return nil, nil
	}
	return out, nil
}

// Delete removes the credential Secret. Absence is not an error.
func (s *KubernetesStore) Delete(ctx context.Context, userID, provider string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.secretName(userID, provider),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(ctx, secret); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete credential secret: %w", err)
	}

	logging.Audit(logging.AuditEvent{
		Action:   "credential_delete",
		Outcome:  "success",
		UserID:   userID,
		Provider: provider,
	})
	return nil
}

// List returns all live credentials for a user keyed by provider.
func (s *KubernetesStore) List(ctx context.Context, userID string) (map[string]*Credential, error) {
	secrets := &corev1.SecretList{}
	err := s.client.List(ctx, secrets,
		client.InNamespace(s.namespace),
		client.MatchingLabels{
			managedByLabel: managedByValue,
			userHashLabel:  userKey(userID),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	now := time.Now()
	result := make(map[string]*Credential)
	for i := range secrets.Items {
		cred, err := decodeSecret(&secrets.Items[i])
		if err != nil {
			logging.Warn("CredStore", "Skipping undecodable credential secret %s: %v", secrets.Items[i].Name, err)
			continue
		}
		if out, _ := evaluateExpiry(cred, now); out != nil {
			result[cred.Provider] = out
		}
	}
	return result, nil
}

// Sweep removes all expired-and-unrefreshable credential Secrets managed by
// this store.
func (s *KubernetesStore) Sweep(ctx context.Context) (int, error) {
	secrets := &corev1.SecretList{}
	err := s.client.List(ctx, secrets,
		client.InNamespace(s.namespace),
		client.MatchingLabels{managedByLabel: managedByValue},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	now := time.Now()
	count := 0
	for i := range secrets.Items {
		cred, err := decodeSecret(&secrets.Items[i])
		if err != nil {
			continue
		}
		if _, del := evaluateExpiry(cred, now); del {
			if err := s.client.Delete(ctx, &secrets.Items[i]); err == nil || apierrors.IsNotFound(err) {
				count++
			}
		}
	}
	return count, nil
}

func decodeSecret(secret *corev1.Secret) (*Credential, error) {
	data, ok := secret.Data[secretDataKey]
	if !ok {
		return nil, fmt.Errorf("secret %s missing key %q", secret.Name, secretDataKey)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential from secret %s: %w", secret.Name, err)
	}
	return &cred, nil
}

var _ Store = (*KubernetesStore)(nil)
var _ Sweepable = (*KubernetesStore)(nil)
